package store

import (
	"fmt"
	"strings"
)

// RefKind distinguishes the three syntaxes a user-visible Stratum reference
// can take.
type RefKind int

const (
	// RefCommit names a bare commit id: 64 lowercase hex characters.
	RefCommit RefKind = iota
	// RefWorktree names a "label+worktree" pair.
	RefWorktree
	// RefTag names a "label:tag" pair (or bare label, implying tag "latest").
	RefTag
)

// Ref is a parsed Stratum reference, dispatching on syntax per §4.3/§4.8:
// a 64-lowercase-hex string is a commit id; a "label+worktree" string names
// a worktree; anything else is a "label[:tag]" tag reference.
type Ref struct {
	Kind     RefKind
	CommitID string // set when Kind == RefCommit
	Label    string // set when Kind == RefWorktree or RefTag
	Worktree string // set when Kind == RefWorktree
	Tag      string // set when Kind == RefTag; defaults to "latest"
}

func (r Ref) String() string {
	switch r.Kind {
	case RefCommit:
		return r.CommitID
	case RefWorktree:
		return r.Label + "+" + r.Worktree
	default:
		return r.Label + ":" + r.Tag
	}
}

func isSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// ParseRef parses a user-visible reference string per §4.3's dispatch rule.
func ParseRef(s string) (Ref, error) {
	if s == "" {
		return Ref{}, &InvalidRefError{Ref: s}
	}
	if isSHA256Hex(s) {
		return Ref{Kind: RefCommit, CommitID: s}, nil
	}
	if label, worktree, ok := strings.Cut(s, "+"); ok {
		if label == "" || worktree == "" {
			return Ref{}, &InvalidRefError{Ref: s}
		}
		return Ref{Kind: RefWorktree, Label: label, Worktree: worktree}, nil
	}
	label, tag, ok := strings.Cut(s, ":")
	if !ok {
		tag = "latest"
		label = s
	}
	if label == "" || tag == "" {
		return Ref{}, &InvalidRefError{Ref: s}
	}
	return Ref{Kind: RefTag, Label: label, Tag: tag}, nil
}

// ParseLabel splits "name[:tag]" into (name, tag), defaulting tag to
// "latest" when absent, per §4.3.
func ParseLabel(s string) (name, tag string) {
	name, tag, ok := strings.Cut(s, ":")
	if !ok {
		return s, "latest"
	}
	return name, tag
}

// resolveCommitID dispatches a Ref to a concrete commit id per §4.8.
func (s *Store) resolveCommitID(ref Ref) (string, error) {
	switch ref.Kind {
	case RefCommit:
		return ref.CommitID, nil
	case RefTag:
		return s.ResolveTag(ref.Label, ref.Tag)
	case RefWorktree:
		wt, err := s.LoadWorktree(ref.Label, ref.Worktree)
		if err != nil {
			return "", err
		}
		return wt.BaseCommit, nil
	default:
		return "", fmt.Errorf("store: unknown ref kind %d", ref.Kind)
	}
}
