package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Summary describes one recorded session found on disk.
type Summary struct {
	SessionID string
	Turns     int
	Closed    bool
	ModTime   time.Time
}

// List scans the transcript directory and summarizes every session in it,
// newest first.
func List(dir string) ([]Summary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var summaries []Summary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), FileName)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		turns, closed := scanFile(path)
		summaries = append(summaries, Summary{
			SessionID: entry.Name(),
			Turns:     turns,
			Closed:    closed,
			ModTime:   info.ModTime(),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SessionID > summaries[j].SessionID
	})
	return summaries, nil
}

func scanFile(path string) (turns int, closed bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var t trailer
		if err := json.Unmarshal(line, &t); err == nil && !t.ClosedAt.IsZero() {
			closed = true
			continue
		}
		turns++
	}
	return turns, closed
}
