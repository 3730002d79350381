package packager

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrCheckout marks a source dir whose commit cannot be resolved.
var ErrCheckout = errors.New("cannot resolve checkout")

func openCheckout(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrCheckout, dir, err)
	}
	return repo, nil
}

// HeadCommit returns the commit checked out in dir or one of its parents.
func HeadCommit(dir string) (string, error) {
	repo, err := openCheckout(dir)
	if err != nil {
		return "", err
	}
	return headCommit(repo, dir)
}

func headCommit(repo *git.Repository, dir string) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("%w: HEAD in %s: %w", ErrCheckout, dir, err)
	}
	return head.Hash().String(), nil
}

// TagCommit returns the commit tag points at in the checkout at dir. Annotated tags are
// peeled to their commit.
func TagCommit(dir, tag string) (string, error) {
	repo, err := openCheckout(dir)
	if err != nil {
		return "", err
	}
	return tagCommit(repo, tag)
}

func tagCommit(repo *git.Repository, tag string) (string, error) {
	ref, err := repo.Tag(tag)
	if err != nil {
		return "", fmt.Errorf("%w: tag %s: %w", ErrCheckout, tag, err)
	}
	obj, err := repo.Object(plumbing.AnyObject, ref.Hash())
	if err != nil {
		return "", fmt.Errorf("%w: tag %s: %w", ErrCheckout, tag, err)
	}
	switch o := obj.(type) {
	case *object.Commit:
		return o.Hash.String(), nil
	case *object.Tag:
		commit, err := o.Commit()
		if err != nil {
			return "", fmt.Errorf("%w: tag %s: %w", ErrCheckout, tag, err)
		}
		return commit.Hash.String(), nil
	default:
		return "", fmt.Errorf("%w: tag %s points at a %s", ErrCheckout, tag, obj.Type())
	}
}

// VerifyCheckout proves that dir holds commit and, when tag is set, that tag points at
// the same commit. It returns the commit as resolved from the checkout.
func VerifyCheckout(dir, commit, tag string) (string, error) {
	repo, err := openCheckout(dir)
	if err != nil {
		return "", err
	}
	head, err := headCommit(repo, dir)
	if err != nil {
		return "", err
	}

	want := strings.TrimSpace(commit)
	if want == "" {
		return "", fmt.Errorf("%w: commit unknown, checkout is at %s", ErrCommitMismatch, head)
	}
	if !strings.EqualFold(head, want) {
		return "", fmt.Errorf("%w: checkout %s, trigger %s", ErrCommitMismatch, head, want)
	}

	if tag != "" {
		tagged, err := tagCommit(repo, tag)
		if err != nil {
			return "", err
		}
		if tagged != head {
			return "", fmt.Errorf("%w: tag %s is at %s, checkout %s", ErrCommitMismatch, tag, tagged, head)
		}
	}
	return head, nil
}
