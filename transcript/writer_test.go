package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr)
}

func entry(turnID uint64, text string) Entry {
	return Entry{
		TurnID:         turnID,
		Timestamp:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		SourceText:     "hello",
		TranslatedText: text,
		TargetLang:     "zh-Hans",
	}
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var tr trailer
		if err := json.Unmarshal(scanner.Bytes(), &tr); err == nil && !tr.ClosedAt.IsZero() {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestAppendIsIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "20250301T120000.000", testLogger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Finalize()

	if err := w.Append(entry(1, "你好")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(entry(1, "你好")); err != nil {
		t.Fatalf("duplicate append must succeed as no-op: %v", err)
	}

	entries := readEntries(t, w.Path())
	if len(entries) != 1 {
		t.Fatalf("expected 1 stored entry, got %d", len(entries))
	}
}

func TestOutOfOrderTurnIsRejectedAsNoOp(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "s1", testLogger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Finalize()

	w.Append(entry(1, "one"))
	w.Append(entry(3, "three"))
	if err := w.Append(entry(2, "two")); err != nil {
		t.Fatalf("out-of-order append must not error: %v", err)
	}

	entries := readEntries(t, w.Path())
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].TurnID != 1 || entries[1].TurnID != 3 {
		t.Errorf("unexpected turn ids: %d, %d", entries[0].TurnID, entries[1].TurnID)
	}
}

func TestFinalizeIsSafeTwice(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "s1", testLogger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.Append(entry(1, "one"))

	if err := w.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("second finalize must be a no-op: %v", err)
	}

	summaries, err := List(filepath.Dir(filepath.Dir(w.Path())))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 1 || !summaries[0].Closed || summaries[0].Turns != 1 {
		t.Errorf("unexpected summary: %+v", summaries)
	}
}

func TestWriteFailureDegradesToMemory(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "s1", testLogger(), WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	w.Append(entry(1, "one"))

	// Make further writes fail by closing the file behind the writer's back.
	w.file.Close()

	if err := w.Append(entry(2, "two")); err != nil {
		t.Fatalf("append must not surface storage failure: %v", err)
	}
	if !w.Degraded() {
		t.Fatal("expected writer to degrade after failed retry")
	}

	if err := w.Append(entry(3, "three")); err != nil {
		t.Fatalf("append while degraded: %v", err)
	}
	buffered := w.Buffered()
	if len(buffered) != 2 || buffered[0].TurnID != 2 || buffered[1].TurnID != 3 {
		t.Errorf("unexpected buffered entries: %+v", buffered)
	}

	// Entries written before degradation are intact on disk.
	entries := readEntries(t, w.Path())
	if len(entries) != 1 || entries[0].TurnID != 1 {
		t.Errorf("unexpected on-disk entries: %+v", entries)
	}
}

type recordingArchive struct {
	turns []Entry
}

func (a *recordingArchive) RecordTurn(_ context.Context, _ string, e Entry) error {
	a.turns = append(a.turns, e)
	return nil
}

func TestArchiveMirrorsAppends(t *testing.T) {
	archive := &recordingArchive{}
	w, err := NewWriter(t.TempDir(), "s1", testLogger(), WithArchive(archive))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Finalize()

	w.Append(entry(1, "one"))
	w.Append(entry(1, "one"))
	w.Append(entry(2, "two"))

	if len(archive.turns) != 2 {
		t.Fatalf("expected 2 archived turns, got %d", len(archive.turns))
	}
}
