// Package persistence provides the two durable stores of the core: the
// append-only conversation log (the source of truth for "what happened on
// this project") and a small key-value store for profiles, outcomes, and
// snapshots.
package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lwgray/marcus/pkg/events"
)

// ConversationLog is an append-only, line-delimited JSON event log rotated
// daily under <dir>/conversations_YYYY-MM-DD.jsonl. Reconstruction of
// project state reads back only this stream.
type ConversationLog struct {
	dir string

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	curDate string
	closed  bool
}

// NewConversationLog opens (creating if needed) the log directory.
func NewConversationLog(dir string) (*ConversationLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	return &ConversationLog{dir: dir}, nil
}

// PersistEvent appends one event as a JSON line, rotating the file when the
// UTC date changes. Implements bus.Persister.
func (l *ConversationLog) PersistEvent(evt events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("conversation log closed")
	}

	date := time.Now().UTC().Format("2006-01-02")
	if l.file == nil || date != l.curDate {
		if err := l.rotate(date); err != nil {
			return err
		}
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.EventID, err)
	}
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event %s: %w", evt.EventID, err)
	}
	// Flush per record: the log must reflect the last attempted action even
	// if the process dies before a clean shutdown.
	return l.w.Flush()
}

func (l *ConversationLog) rotate(date string) error {
	if l.file != nil {
		l.w.Flush()
		l.file.Close()
	}

	path := filepath.Join(l.dir, "conversations_"+date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open conversation log %s: %w", path, err)
	}
	l.file = f
	l.w = bufio.NewWriter(f)
	l.curDate = date
	return nil
}

// ReadAll returns every logged event across all daily files, oldest first.
func (l *ConversationLog) ReadAll() ([]events.Event, error) {
	l.mu.Lock()
	if l.w != nil {
		l.w.Flush()
	}
	l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "conversations_") && strings.HasSuffix(name, ".jsonl") {
			files = append(files, name)
		}
	}
	sort.Strings(files) // date-stamped names sort chronologically

	var out []events.Event
	for _, name := range files {
		evts, err := readFile(filepath.Join(l.dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, evts...)
	}
	return out, nil
}

func readFile(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []events.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt events.Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			// Unparseable lines (a torn final line from a crash, a corrupted
			// record) are skipped so one bad line cannot block replay of the
			// rest of the log.
			continue
		}
		out = append(out, evt)
	}
	return out, sc.Err()
}

// Close flushes and closes the current file.
func (l *ConversationLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.file == nil {
		return nil
	}
	l.w.Flush()
	err := l.file.Close()
	l.file = nil
	return err
}
