package packager

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ChecksumSuffix is appended to a binary name to form its checksum file name.
const ChecksumSuffix = ".sha256"

// ErrChecksumMismatch is returned when a file does not hash to its recorded digest.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ChecksumEntry is one "<hex-digest>  <filename>" line of a checksum file.
type ChecksumEntry struct {
	Digest string
	Name   string
}

// HashFile returns the hex SHA-256 digest and size of the file at path.
func HashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// FormatChecksums renders entries in the sha256sum listing format, sorted by name.
func FormatChecksums(entries []ChecksumEntry) []byte {
	sorted := append([]ChecksumEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	for _, e := range sorted {
		fmt.Fprintf(&buf, "%s  %s\n", strings.ToLower(e.Digest), e.Name)
	}
	return buf.Bytes()
}

// ParseChecksums reads a checksum listing. Both the text ("  ") and binary (" *") markers
// written by sha256sum are accepted.
func ParseChecksums(r io.Reader) ([]ChecksumEntry, error) {
	var entries []ChecksumEntry
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		digest, name, ok := strings.Cut(text, " ")
		if !ok || len(name) < 2 || (name[0] != ' ' && name[0] != '*') {
			return nil, fmt.Errorf("line %d: malformed checksum entry", line)
		}
		name = name[1:]
		if len(digest) != sha256.Size*2 {
			return nil, fmt.Errorf("line %d: digest must be %d hex characters", line, sha256.Size*2)
		}
		if _, err := hex.DecodeString(digest); err != nil {
			return nil, fmt.Errorf("line %d: invalid digest: %w", line, err)
		}
		if name == "" || strings.ContainsAny(name, "/\\") {
			return nil, fmt.Errorf("line %d: invalid file name %q", line, name)
		}
		entries = append(entries, ChecksumEntry{Digest: strings.ToLower(digest), Name: name})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Verify re-hashes every file named by the checksum files in dir and fails on the first
// missing file or digest mismatch. A directory without checksum files is an error.
func Verify(dir string) error {
	sums, err := filepath.Glob(filepath.Join(dir, "*"+ChecksumSuffix))
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		return fmt.Errorf("no %s files in %s", ChecksumSuffix, dir)
	}
	sort.Strings(sums)

	for _, sumPath := range sums {
		data, err := os.ReadFile(sumPath)
		if err != nil {
			return fmt.Errorf("read %q: %w", sumPath, err)
		}
		entries, err := ParseChecksums(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("parse %s: %w", filepath.Base(sumPath), err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("%s lists no files", filepath.Base(sumPath))
		}
		for _, entry := range entries {
			digest, _, err := HashFile(filepath.Join(dir, entry.Name))
			if err != nil {
				return err
			}
			if digest != entry.Digest {
				return fmt.Errorf("%s: %w", entry.Name, ErrChecksumMismatch)
			}
		}
	}
	return nil
}
