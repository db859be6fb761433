// Package store implements on-disk piece persistence and the local
// bitfield: the PieceStore component of spec §4.2.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/p2pfsp/p2pfsp/internal/bitfield"
)

var (
	// ErrOutOfRange names a piece index outside [0, total). No function in
	// this package returns it: WritePiece reports such an index by
	// returning false.
	ErrOutOfRange = errors.New("store: piece index out of range")
	// ErrSizeMismatch is returned by Reconstruct when an on-disk piece
	// file's size doesn't match ExpectedSize. WritePiece reports a
	// wrong-sized payload by returning false.
	ErrSizeMismatch = errors.New("store: piece size mismatch")
	// ErrIncompleteData is returned by Reconstruct when the local
	// bitfield isn't full.
	ErrIncompleteData = errors.New("store: incomplete data")
)

// Store owns a piece directory and the bitfield recording which pieces are
// present on disk.
type Store struct {
	dir           string
	total         int
	pieceSize     int
	lastPieceSize int

	bits *bitfield.Bitfield
	log  *slog.Logger
}

// New creates (or reuses) dir and returns a Store with an empty bitfield for
// total pieces of pieceSize bytes each, except the last which is
// lastPieceSize bytes.
func New(dir string, total, pieceSize, lastPieceSize int, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	return &Store{
		dir:           dir,
		total:         total,
		pieceSize:     pieceSize,
		lastPieceSize: lastPieceSize,
		bits:          bitfield.New(total),
		log:           log.With("src", "piece_store"),
	}, nil
}

// ExpectedSize returns the exact byte size piece i must have.
func (s *Store) ExpectedSize(i int) int {
	if i == s.total-1 {
		return s.lastPieceSize
	}
	return s.pieceSize
}

// Have reports whether piece i is present. False for out-of-range i.
func (s *Store) Have(i int) bool {
	return s.bits.Has(i)
}

// Bitfield returns the store's local bitfield. Callers must not mutate it
// directly through Set; mutation happens only via WritePiece.
func (s *Store) Bitfield() *bitfield.Bitfield {
	return s.bits
}

func (s *Store) piecePath(i int) string {
	return filepath.Join(s.dir, fmt.Sprintf("piece_%06d.bin", i))
}

// WritePiece persists data as piece i and sets its bitfield bit. Returns
// false (no state change) if i is out of range or len(data) doesn't match
// ExpectedSize(i). Re-writing an already-held piece with the same content is
// idempotent.
func (s *Store) WritePiece(i int, data []byte) bool {
	if i < 0 || i >= s.total {
		return false
	}
	if len(data) != s.ExpectedSize(i) {
		return false
	}

	if err := os.WriteFile(s.piecePath(i), data, 0o644); err != nil {
		s.log.Warn("failed to write piece", "piece", i, "error", err)
		return false
	}

	s.bits.Set(i)
	return true
}

// ReadPiece reads the whole on-disk file for piece i. Behavior is undefined
// if Have(i) is false.
func (s *Store) ReadPiece(i int) ([]byte, error) {
	return os.ReadFile(s.piecePath(i))
}

// SliceFromFile splits an existing source file at srcPath into the store's
// piece files, used to bootstrap a seed peer that starts with the complete
// file but no piece files yet.
func (s *Store) SliceFromFile(srcPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("store: read seed source %s: %w", srcPath, err)
	}

	offset := 0
	for i := 0; i < s.total; i++ {
		size := s.ExpectedSize(i)
		if offset+size > len(data) {
			return fmt.Errorf("store: seed source too small for piece %d (want %d bytes)", i, size)
		}
		if !s.WritePiece(i, data[offset:offset+size]) {
			return fmt.Errorf("store: failed to write piece %d while slicing seed source", i)
		}
		offset += size
	}
	return nil
}

// Reconstruct concatenates pieces 0..total-1 into <parent-of-dir>/name. It
// fails with ErrIncompleteData if the bitfield isn't full, or
// ErrSizeMismatch if an on-disk piece file has the wrong size.
func (s *Store) Reconstruct(name string) (string, error) {
	if !s.bits.Full() {
		return "", ErrIncompleteData
	}

	outPath := filepath.Join(filepath.Dir(s.dir), name)
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("store: create %s: %w", outPath, err)
	}
	defer out.Close()

	for i := 0; i < s.total; i++ {
		data, err := s.ReadPiece(i)
		if err != nil {
			return "", fmt.Errorf("store: read piece %d: %w", i, err)
		}
		if len(data) != s.ExpectedSize(i) {
			return "", ErrSizeMismatch
		}
		if _, err := out.Write(data); err != nil {
			return "", fmt.Errorf("store: write reconstructed file: %w", err)
		}
	}

	return outPath, nil
}

// Cleanup removes every piece file (ignoring already-missing ones) and then
// the piece directory (ignoring non-empty or missing).
func (s *Store) Cleanup() {
	for i := 0; i < s.total; i++ {
		if err := os.Remove(s.piecePath(i)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove piece file", "piece", i, "error", err)
		}
	}
	if err := os.Remove(s.dir); err != nil && !os.IsNotExist(err) {
		s.log.Debug("piece directory not removed", "dir", s.dir, "error", err)
	}
}
