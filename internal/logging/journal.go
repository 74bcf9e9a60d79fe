package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ComponentKey is the attribute naming the subsystem that emitted an entry.
const ComponentKey = "component"

// DefaultJournalSize is the number of entries kept when no size is given.
const DefaultJournalSize = 1000

// Entry levels as exposed to log consumers.
const (
	EntryDebug   = "DEBUG"
	EntryInfo    = "INFO"
	EntryWarning = "WARNING"
	EntryError   = "ERROR"
)

// Entry is one journal record.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Attrs     string    `json:"attrs,omitempty"`
}

func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Time.Format("2006-01-02 15:04:05"))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%-7s", e.Level))
	if e.Component != "" {
		b.WriteString(" [" + e.Component + "]")
	}
	b.WriteString(" " + e.Message)
	if e.Attrs != "" {
		b.WriteString(" " + e.Attrs)
	}
	return b.String()
}

type ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	seq     uint64
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.Seq = r.seq
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Entry(nil), r.entries[:r.next]...)
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

// Journal is an slog.Handler that keeps the most recent entries in memory
// while forwarding every record to an inner handler. Handlers derived with
// WithAttrs/WithGroup share the same ring.
type Journal struct {
	inner     slog.Handler
	level     slog.Leveler
	ring      *ring
	component string
	attrs     []string
	group     string
}

// NewJournal wraps inner. Records at or above level are journaled; inner may
// be nil to only journal.
func NewJournal(inner slog.Handler, size int, level slog.Leveler) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	if level == nil {
		level = slog.LevelInfo
	}
	return &Journal{
		inner: inner,
		level: level,
		ring:  &ring{entries: make([]Entry, size)},
	}
}

func (j *Journal) Enabled(ctx context.Context, l slog.Level) bool {
	if l >= j.level.Level() {
		return true
	}
	return j.inner != nil && j.inner.Enabled(ctx, l)
}

func (j *Journal) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= j.level.Level() {
		component := j.component
		attrs := append([]string(nil), j.attrs...)
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey && j.group == "" {
				component = a.Value.String()
				return true
			}
			attrs = append(attrs, j.qualify(a.Key)+"="+a.Value.String())
			return true
		})
		t := r.Time
		if t.IsZero() {
			t = time.Now()
		}
		j.ring.add(Entry{
			Time:      t,
			Level:     levelName(r.Level),
			Component: component,
			Message:   r.Message,
			Attrs:     strings.Join(attrs, " "),
		})
	}

	if j.inner != nil && j.inner.Enabled(ctx, r.Level) {
		return j.inner.Handle(ctx, r)
	}
	return nil
}

func (j *Journal) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *j
	clone.attrs = append([]string(nil), j.attrs...)
	for _, a := range attrs {
		if a.Key == ComponentKey && j.group == "" {
			clone.component = a.Value.String()
			continue
		}
		clone.attrs = append(clone.attrs, j.qualify(a.Key)+"="+a.Value.String())
	}
	if j.inner != nil {
		clone.inner = j.inner.WithAttrs(attrs)
	}
	return &clone
}

func (j *Journal) WithGroup(name string) slog.Handler {
	if name == "" {
		return j
	}
	clone := *j
	clone.group = j.qualify(name)
	if j.inner != nil {
		clone.inner = j.inner.WithGroup(name)
	}
	return &clone
}

func (j *Journal) qualify(key string) string {
	if j.group == "" {
		return key
	}
	return j.group + "." + key
}

// Entries returns the journaled entries, oldest first.
func (j *Journal) Entries() []Entry {
	return j.ring.snapshot()
}

// Tail returns at most n of the newest entries, oldest first. n <= 0 returns all.
func (j *Journal) Tail(n int) []Entry {
	entries := j.ring.snapshot()
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// Since returns the entries with a sequence number greater than seq.
func (j *Journal) Since(seq uint64) []Entry {
	entries := j.ring.snapshot()
	for i, e := range entries {
		if e.Seq > seq {
			return entries[i:]
		}
	}
	return nil
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return EntryError
	case l >= slog.LevelWarn:
		return EntryWarning
	case l >= slog.LevelInfo:
		return EntryInfo
	default:
		return EntryDebug
	}
}
