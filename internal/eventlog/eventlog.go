// Package eventlog records the human-readable protocol events spec §6
// requires each peer process to emit to log_peer_<id>.log, in the exact
// wording the spec fixes.
package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink receives semantic protocol events. Implementations must be safe for
// the single-actor model: callers invoke these methods from one goroutine
// at a time, but Sink itself may still be asked to serialize disk writes.
type Sink interface {
	MakesConnectionTo(remoteID uint32)
	ConnectedFrom(remoteID uint32)
	PreferredNeighbors(peerIDs []uint32)
	OptimisticNeighbor(remoteID uint32)
	UnchokedBy(remoteID uint32)
	ChokedBy(remoteID uint32)
	ReceivedHave(remoteID uint32, pieceIdx int)
	ReceivedInterested(remoteID uint32)
	ReceivedNotInterested(remoteID uint32)
	DownloadedPieceFrom(remoteID uint32, pieceIdx int, haveCount int)
	DownloadedCompleteFile()
}

// FileSink writes the exact log lines spec §6 requires to logDir/log_peer_<selfID>.log.
type FileSink struct {
	selfID uint32
	path   string

	mu sync.Mutex
}

// NewFileSink creates (if needed) logDir and returns a FileSink appending to
// log_peer_<selfID>.log within it.
func NewFileSink(selfID uint32, logDir string) (*FileSink, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir %s: %w", logDir, err)
	}
	path := filepath.Join(logDir, fmt.Sprintf("log_peer_%d.log", selfID))
	return &FileSink{selfID: selfID, path: path}, nil
}

func (s *FileSink) write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", time.Now().Format("2006-01-02 15:04:05"), line)
}

func (s *FileSink) MakesConnectionTo(remoteID uint32) {
	s.write(fmt.Sprintf("Peer [%d] makes a connection to Peer [%d].", s.selfID, remoteID))
}

func (s *FileSink) ConnectedFrom(remoteID uint32) {
	s.write(fmt.Sprintf("Peer [%d] is connected from Peer [%d].", s.selfID, remoteID))
}

func (s *FileSink) PreferredNeighbors(peerIDs []uint32) {
	ids := ""
	for i, id := range peerIDs {
		if i > 0 {
			ids += ", "
		}
		ids += fmt.Sprintf("%d", id)
	}
	s.write(fmt.Sprintf("Peer [%d] has the preferred neighbors [%s].", s.selfID, ids))
}

func (s *FileSink) OptimisticNeighbor(remoteID uint32) {
	s.write(fmt.Sprintf("Peer [%d] has the optimistically unchoked neighbor [%d].", s.selfID, remoteID))
}

func (s *FileSink) UnchokedBy(remoteID uint32) {
	s.write(fmt.Sprintf("Peer [%d] is unchoked by Peer [%d].", s.selfID, remoteID))
}

func (s *FileSink) ChokedBy(remoteID uint32) {
	s.write(fmt.Sprintf("Peer [%d] is choked by Peer [%d].", s.selfID, remoteID))
}

func (s *FileSink) ReceivedHave(remoteID uint32, pieceIdx int) {
	s.write(fmt.Sprintf("Peer [%d] received the 'have' message from Peer [%d] for the piece [%d].", s.selfID, remoteID, pieceIdx))
}

func (s *FileSink) ReceivedInterested(remoteID uint32) {
	s.write(fmt.Sprintf("Peer [%d] received the 'interested' message from Peer [%d].", s.selfID, remoteID))
}

func (s *FileSink) ReceivedNotInterested(remoteID uint32) {
	s.write(fmt.Sprintf("Peer [%d] received the 'not interested' message from Peer [%d].", s.selfID, remoteID))
}

func (s *FileSink) DownloadedPieceFrom(remoteID uint32, pieceIdx int, haveCount int) {
	s.write(fmt.Sprintf("Peer [%d] has downloaded the piece [%d] from Peer [%d]. Now the number of pieces it has is [%d].",
		s.selfID, pieceIdx, remoteID, haveCount))
}

func (s *FileSink) DownloadedCompleteFile() {
	s.write(fmt.Sprintf("Peer [%d] has downloaded the complete file.", s.selfID))
}

// SlogMirror wraps a Sink and additionally mirrors every event to a
// structured slog.Logger, for operators watching the process directly
// rather than tailing the per-peer text log.
type SlogMirror struct {
	Sink
	log *slog.Logger
}

// NewSlogMirror returns a Sink that writes to inner and also emits a
// structured slog record per event.
func NewSlogMirror(inner Sink, log *slog.Logger) *SlogMirror {
	return &SlogMirror{Sink: inner, log: log}
}

func (m *SlogMirror) MakesConnectionTo(remoteID uint32) {
	m.Sink.MakesConnectionTo(remoteID)
	m.log.Info("dial", "remote_id", remoteID)
}

func (m *SlogMirror) ConnectedFrom(remoteID uint32) {
	m.Sink.ConnectedFrom(remoteID)
	m.log.Info("accepted", "remote_id", remoteID)
}

func (m *SlogMirror) PreferredNeighbors(peerIDs []uint32) {
	m.Sink.PreferredNeighbors(peerIDs)
	m.log.Info("preferred_neighbors", "peers", peerIDs)
}

func (m *SlogMirror) OptimisticNeighbor(remoteID uint32) {
	m.Sink.OptimisticNeighbor(remoteID)
	m.log.Info("optimistic_unchoke", "remote_id", remoteID)
}

func (m *SlogMirror) UnchokedBy(remoteID uint32) {
	m.Sink.UnchokedBy(remoteID)
	m.log.Info("unchoked_by", "remote_id", remoteID)
}

func (m *SlogMirror) ChokedBy(remoteID uint32) {
	m.Sink.ChokedBy(remoteID)
	m.log.Info("choked_by", "remote_id", remoteID)
}

func (m *SlogMirror) ReceivedHave(remoteID uint32, pieceIdx int) {
	m.Sink.ReceivedHave(remoteID, pieceIdx)
	m.log.Debug("recv_have", "remote_id", remoteID, "piece", pieceIdx)
}

func (m *SlogMirror) ReceivedInterested(remoteID uint32) {
	m.Sink.ReceivedInterested(remoteID)
	m.log.Debug("recv_interested", "remote_id", remoteID)
}

func (m *SlogMirror) ReceivedNotInterested(remoteID uint32) {
	m.Sink.ReceivedNotInterested(remoteID)
	m.log.Debug("recv_not_interested", "remote_id", remoteID)
}

func (m *SlogMirror) DownloadedPieceFrom(remoteID uint32, pieceIdx int, haveCount int) {
	m.Sink.DownloadedPieceFrom(remoteID, pieceIdx, haveCount)
	m.log.Info("piece_downloaded", "remote_id", remoteID, "piece", pieceIdx, "have_count", haveCount)
}

func (m *SlogMirror) DownloadedCompleteFile() {
	m.Sink.DownloadedCompleteFile()
	m.log.Info("file_complete")
}
