package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/orbitdns/event-fabric/internal/domain/event"
)

const archiveDayFormat = "2006-01-02"

// FileArchive persists emitted events as JSON lines, one file per UTC
// day, and serves replay ranges beyond the in-memory window. It is a
// single-writer structure; the broadcaster owns the append side.
type FileArchive struct {
	dir string

	mu      sync.Mutex
	day     string
	current *os.File
	writer  *bufio.Writer
}

func NewFileArchive(dir string) (*FileArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: archive dir: %w", err)
	}
	return &FileArchive{dir: dir}, nil
}

// Append writes one event to the day file, rotating at UTC midnight.
func (a *FileArchive) Append(ev *event.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	day := ev.Timestamp.UTC().Format(archiveDayFormat)
	if day != a.day {
		if err := a.rotateLocked(day); err != nil {
			return err
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: archive marshal: %w", err)
	}
	if _, err := a.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: archive write: %w", err)
	}
	return a.writer.Flush()
}

func (a *FileArchive) rotateLocked(day string) error {
	if a.current != nil {
		_ = a.writer.Flush()
		_ = a.current.Close()
	}
	f, err := os.OpenFile(a.dayPath(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: archive open: %w", err)
	}
	a.day = day
	a.current = f
	a.writer = bufio.NewWriter(f)
	return nil
}

func (a *FileArchive) dayPath(day string) string {
	return filepath.Join(a.dir, "events-"+day+".jsonl")
}

// Close flushes and closes the active day file.
func (a *FileArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	_ = a.writer.Flush()
	err := a.current.Close()
	a.current = nil
	return err
}

// Range scans the day files overlapping [start, end] and returns matching
// events oldest first.
func (a *FileArchive) Range(ctx context.Context, start, end time.Time, types []event.Type) ([]*event.Event, error) {
	a.mu.Lock()
	if a.writer != nil {
		_ = a.writer.Flush()
	}
	a.mu.Unlock()

	typeSet := make(map[event.Type]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	var out []*event.Event
	for day := start.UTC().Truncate(24 * time.Hour); !day.After(end.UTC()); day = day.Add(24 * time.Hour) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events, err := a.scanDay(day.Format(archiveDayFormat), start, end, typeSet)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (a *FileArchive) scanDay(day string, start, end time.Time, types map[event.Type]struct{}) ([]*event.Event, error) {
	f, err := os.Open(a.dayPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: archive open %s: %w", day, err)
	}
	defer f.Close()

	var out []*event.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev := new(event.Event)
		if err := json.Unmarshal(scanner.Bytes(), ev); err != nil {
			// A torn final line after a crash is not fatal.
			continue
		}
		if ev.Timestamp.Before(start) || ev.Timestamp.After(end) {
			continue
		}
		if len(types) > 0 {
			if _, ok := types[ev.Type]; !ok {
				continue
			}
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}
