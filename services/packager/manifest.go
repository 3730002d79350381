package packager

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestVersion is the only manifest schema version understood by this package.
const ManifestVersion = "1"

// ErrCommitMismatch is returned when a bundle was built from a different commit than the
// one being released.
var ErrCommitMismatch = errors.New("bundle commit does not match release commit")

// Manifest describes a staged bundle: where it came from and what it contains.
type Manifest struct {
	Version          string         `yaml:"version"`
	Name             string         `yaml:"name"`
	RunID            string         `yaml:"run_id,omitempty"`
	Commit           string         `yaml:"commit,omitempty"`
	Ref              string         `yaml:"ref,omitempty"`
	CreatedAt        time.Time      `yaml:"created_at"`
	Signer           string         `yaml:"signer,omitempty"`
	SigningPublicKey string         `yaml:"signing_public_key,omitempty"`
	Signature        string         `yaml:"signature,omitempty"`
	Files            []ManifestFile `yaml:"files"`
}

// ManifestFile describes a single file within the bundle.
type ManifestFile struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// SigningBytes marshals the manifest without its signature for signing/verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// File returns the entry for path.
func (m Manifest) File(path string) (ManifestFile, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return ManifestFile{}, false
}

// CheckCommit enforces that the bundle was produced from commit. An empty commit on either
// side cannot be proven and is rejected.
func (m Manifest) CheckCommit(commit string) error {
	want := strings.TrimSpace(commit)
	if want == "" || m.Commit == "" {
		return fmt.Errorf("%w: commit unknown", ErrCommitMismatch)
	}
	if !strings.EqualFold(m.Commit, want) {
		return fmt.Errorf("%w: bundle %s, release %s", ErrCommitMismatch, m.Commit, want)
	}
	return nil
}

// MarshalManifest encodes m as YAML.
func MarshalManifest(m *Manifest) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil manifest")
	}
	return yaml.Marshal(m)
}

// UnmarshalManifest decodes and validates a YAML manifest.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	if len(m.Files) == 0 {
		return nil, errors.New("manifest lists no files")
	}
	return &m, nil
}
