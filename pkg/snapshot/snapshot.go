// Package snapshot persists escrow state for the host. A snapshot is a JSON
// document holding the ledger and the account map, stamped with a format
// version and a digest over the RFC 8785 canonical form of the state.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"

	"github.com/ChinmayGopal931/Motivate-app/pkg/escrow"
	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
)

// FormatVersion is written into every new snapshot.
const FormatVersion = "1.1.0"

// formatConstraint lists the snapshot formats this build can read.
const formatConstraint = ">= 1.0.0, < 2.0.0"

var (
	// ErrNoSnapshot is returned by Latest on an empty store.
	ErrNoSnapshot = errors.New("no snapshot stored")
	// ErrIncompatible is returned for a format this build cannot read.
	ErrIncompatible = errors.New("incompatible snapshot format")
	// ErrDigestMismatch is returned when the state does not match its digest.
	ErrDigestMismatch = errors.New("snapshot digest mismatch")
)

// Document is one stored snapshot.
type Document struct {
	Format   string       `json:"format"`
	TakenAt  time.Time    `json:"taken_at"`
	Head     string       `json:"head"`
	Promises int          `json:"promises"`
	Digest   string       `json:"digest"`
	State    escrow.State `json:"state"`
}

// Store keeps snapshots. Latest returns the most recently saved one.
type Store interface {
	Save(ctx context.Context, doc *Document) error
	Latest(ctx context.Context) (*Document, error)
}

// New captures the engine's state.
func New(e *escrow.Engine, at time.Time) (*Document, error) {
	st := e.Snapshot()
	digest, err := Digest(st)
	if err != nil {
		return nil, err
	}

	head := ledger.GenesisHash
	if n := len(st.Promises); n > 0 {
		head = st.Promises[n-1].ContentHash
	}
	return &Document{
		Format:   FormatVersion,
		TakenAt:  at.UTC(),
		Head:     head,
		Promises: len(st.Promises),
		Digest:   digest,
		State:    st,
	}, nil
}

// Digest returns the sha256 of the canonical JSON form of st.
func Digest(st escrow.State) (string, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize state: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Encode serializes doc.
func Encode(doc *Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return raw, nil
}

// Decode parses and verifies a snapshot.
func Decode(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if err := doc.Verify(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Verify checks the format version and the digest.
func (d *Document) Verify() error {
	v, err := semver.NewVersion(d.Format)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrIncompatible, d.Format, err)
	}
	c, err := semver.NewConstraint(formatConstraint)
	if err != nil {
		return fmt.Errorf("invalid format constraint: %w", err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatible, v, formatConstraint)
	}

	digest, err := Digest(d.State)
	if err != nil {
		return err
	}
	if digest != d.Digest {
		return fmt.Errorf("%w: stored %s, computed %s", ErrDigestMismatch, d.Digest, digest)
	}
	return nil
}

// Restore verifies doc and rebuilds an engine from it.
func (d *Document) Restore(t escrow.Transferer, opts ...escrow.Option) (*escrow.Engine, error) {
	if err := d.Verify(); err != nil {
		return nil, err
	}
	return escrow.Restore(d.State, t, opts...)
}
