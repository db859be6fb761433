// Package layout computes the on-disk directory structure a peer process
// uses for its working directory and piece store.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
)

// Peer describes the filesystem layout rooted at cwd/peer_<id>/.
type Peer struct {
	WorkDir   string
	PiecesDir string
	LogDir    string
}

// For returns the layout for peerID rooted under base (typically the
// current working directory).
func For(base string, peerID uint32) Peer {
	workDir := filepath.Join(base, fmt.Sprintf("peer_%d", peerID))
	return Peer{
		WorkDir:   workDir,
		PiecesDir: filepath.Join(workDir, "pieces"),
		LogDir:    workDir,
	}
}

// Prepare creates the peer's working and pieces directories.
func (p Peer) Prepare() error {
	if err := os.MkdirAll(p.PiecesDir, 0o755); err != nil {
		return fmt.Errorf("layout: mkdir %s: %w", p.PiecesDir, err)
	}
	return nil
}

// OutputPath returns where the reconstructed file named name should be
// written: directly inside the peer's working directory, matching where a
// seed's own source file lives.
func (p Peer) OutputPath(name string) string {
	return filepath.Join(p.WorkDir, name)
}

// SeedSourcePath returns the path a seed peer's source file must exist at
// before its pieces can be sliced.
func (p Peer) SeedSourcePath(fileName string) string {
	return filepath.Join(p.WorkDir, fileName)
}
