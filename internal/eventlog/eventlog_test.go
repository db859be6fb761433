package eventlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileSinkWritesExactWording(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(1001, dir)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	s.MakesConnectionTo(1002)
	s.ConnectedFrom(1003)
	s.PreferredNeighbors([]uint32{1002, 1003})
	s.PreferredNeighbors(nil)
	s.OptimisticNeighbor(1004)
	s.UnchokedBy(1002)
	s.ChokedBy(1003)
	s.ReceivedHave(1002, 7)
	s.ReceivedInterested(1002)
	s.ReceivedNotInterested(1003)
	s.DownloadedPieceFrom(1002, 7, 12)
	s.DownloadedCompleteFile()

	data, err := os.ReadFile(filepath.Join(dir, "log_peer_1001.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	want := []string{
		"Peer [1001] makes a connection to Peer [1002].",
		"Peer [1001] is connected from Peer [1003].",
		"Peer [1001] has the preferred neighbors [1002, 1003].",
		"Peer [1001] has the preferred neighbors [].",
		"Peer [1001] has the optimistically unchoked neighbor [1004].",
		"Peer [1001] is unchoked by Peer [1002].",
		"Peer [1001] is choked by Peer [1003].",
		"Peer [1001] received the 'have' message from Peer [1002] for the piece [7].",
		"Peer [1001] received the 'interested' message from Peer [1002].",
		"Peer [1001] received the 'not interested' message from Peer [1003].",
		"Peer [1001] has downloaded the piece [7] from Peer [1002]. Now the number of pieces it has is [12].",
		"Peer [1001] has downloaded the complete file.",
	}

	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), data)
	}
	for i, w := range want {
		// Each line is prefixed with a "YYYY-MM-DD HH:MM:SS " timestamp.
		idx := strings.Index(lines[i], " ")
		idx = strings.Index(lines[i][idx+1:], " ") + idx + 1
		got := lines[i][idx+1:]
		if got != w {
			t.Fatalf("line %d = %q, want %q", i, got, w)
		}
	}
}

func TestFileSinkCreatesLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	if _, err := NewFileSink(5, dir); err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
}

type recordingSink struct {
	calls []string
}

func (r *recordingSink) MakesConnectionTo(uint32)                    { r.calls = append(r.calls, "connect") }
func (r *recordingSink) ConnectedFrom(uint32)                        { r.calls = append(r.calls, "accepted") }
func (r *recordingSink) PreferredNeighbors([]uint32)                 { r.calls = append(r.calls, "preferred") }
func (r *recordingSink) OptimisticNeighbor(uint32)                   { r.calls = append(r.calls, "optimistic") }
func (r *recordingSink) UnchokedBy(uint32)                           { r.calls = append(r.calls, "unchoked") }
func (r *recordingSink) ChokedBy(uint32)                             { r.calls = append(r.calls, "choked") }
func (r *recordingSink) ReceivedHave(uint32, int)                    { r.calls = append(r.calls, "have") }
func (r *recordingSink) ReceivedInterested(uint32)                   { r.calls = append(r.calls, "interested") }
func (r *recordingSink) ReceivedNotInterested(uint32)                { r.calls = append(r.calls, "not_interested") }
func (r *recordingSink) DownloadedPieceFrom(uint32, int, int)        { r.calls = append(r.calls, "piece") }
func (r *recordingSink) DownloadedCompleteFile()                     { r.calls = append(r.calls, "complete") }

func TestSlogMirrorForwardsToInnerSink(t *testing.T) {
	inner := &recordingSink{}
	m := NewSlogMirror(inner, discardLogger())

	m.MakesConnectionTo(1)
	m.DownloadedCompleteFile()

	if len(inner.calls) != 2 || inner.calls[0] != "connect" || inner.calls[1] != "complete" {
		t.Fatalf("inner sink calls = %v", inner.calls)
	}
}
