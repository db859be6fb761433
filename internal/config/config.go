// Package config parses the two external configuration files spec §6
// defines: Common.cfg and PeerInfo.cfg.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Common holds the parsed contents of Common.cfg plus its derived fields.
type Common struct {
	NumPreferredNeighbors       int
	UnchokingInterval           int
	OptimisticUnchokingInterval int
	FileName                    string
	FileSize                    int
	PieceSize                   int
}

// TotalPieces returns ceil(FileSize / PieceSize).
func (c Common) TotalPieces() int {
	return (c.FileSize + c.PieceSize - 1) / c.PieceSize
}

// LastPieceSize returns FileSize mod PieceSize, or PieceSize if that
// remainder is zero.
func (c Common) LastPieceSize() int {
	rem := c.FileSize % c.PieceSize
	if rem == 0 {
		return c.PieceSize
	}
	return rem
}

// LoadCommon reads and parses Common.cfg at path.
func LoadCommon(path string) (Common, error) {
	kv, err := parseKV(path)
	if err != nil {
		return Common{}, err
	}

	get := func(key string) (string, error) {
		v, ok := kv[key]
		if !ok {
			return "", fmt.Errorf("config: %s missing key %s", path, key)
		}
		return v, nil
	}
	getInt := func(key string) (int, error) {
		s, err := get(key)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("config: %s key %s: %w", path, key, err)
		}
		return n, nil
	}

	var c Common
	var err1, err2, err3, err4, err5 error
	c.NumPreferredNeighbors, err1 = getInt("NumberOfPreferredNeighbors")
	c.UnchokingInterval, err2 = getInt("UnchokingInterval")
	c.OptimisticUnchokingInterval, err3 = getInt("OptimisticUnchokingInterval")
	c.FileName, err4 = get("FileName")
	c.FileSize, err5 = getInt("FileSize")
	for _, e := range []error{err1, err2, err3, err4, err5} {
		if e != nil {
			return Common{}, e
		}
	}
	c.PieceSize, err1 = getInt("PieceSize")
	if err1 != nil {
		return Common{}, err1
	}

	return c, nil
}

// PeerRow is one line of PeerInfo.cfg.
type PeerRow struct {
	PeerID  uint32
	Host    string
	Port    int
	HasFile bool
}

// PeerTable is the parsed, order-preserving contents of PeerInfo.cfg.
type PeerTable struct {
	Rows []PeerRow

	byID    map[uint32]PeerRow
	orderID []uint32
}

// LoadPeerTable reads and parses PeerInfo.cfg at path.
func LoadPeerTable(path string) (*PeerTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	t := &PeerTable{byID: make(map[uint32]PeerRow)}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("config: malformed PeerInfo.cfg line: %q", line)
		}

		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: %s: bad peer id %q: %w", path, fields[0], err)
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("config: %s: bad port %q: %w", path, fields[2], err)
		}
		hasFile, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("config: %s: bad has_file %q: %w", path, fields[3], err)
		}

		row := PeerRow{PeerID: uint32(id), Host: fields[1], Port: port, HasFile: hasFile == 1}
		t.Rows = append(t.Rows, row)
		t.byID[row.PeerID] = row
		t.orderID = append(t.orderID, row.PeerID)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(t.Rows) == 0 {
		return nil, fmt.Errorf("config: %s has no peers", path)
	}

	return t, nil
}

// Get returns the row for peerID.
func (t *PeerTable) Get(peerID uint32) (PeerRow, bool) {
	row, ok := t.byID[peerID]
	return row, ok
}

// EarlierPeers returns the rows appearing before peerID in file order — the
// peers that peerID must dial on startup.
func (t *PeerTable) EarlierPeers(peerID uint32) []PeerRow {
	var out []PeerRow
	for _, id := range t.orderID {
		if id == peerID {
			break
		}
		out = append(out, t.byID[id])
	}
	return out
}

// AllIDs returns every peer id in PeerInfo.cfg, in file order.
func (t *PeerTable) AllIDs() []uint32 {
	return append([]uint32(nil), t.orderID...)
}

// parseKV parses whitespace-separated "KEY VALUE" lines, ignoring blank
// lines and '#' comments.
func parseKV(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	kv := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("config: malformed line in %s: %q", path, line)
		}
		kv[fields[0]] = strings.Join(fields[1:], " ")
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return kv, nil
}
