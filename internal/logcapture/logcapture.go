// Package logcapture is installed inside a worker before the target
// function runs. It appends every formatted log record to the item's
// per-item log file and publishes the same record onto a shared
// multi-producer channel the engine drains.
package logcapture

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is the per-emission tuple pushed onto the shared log-events
// channel.
type Record struct {
	ItemID          uint64
	ItemName        string
	FilePath        string
	Timestamp       time.Time
	FileOffsetBefore int64
	Message         string
}

// Sink appends formatted records to a file and publishes them to a channel.
// One Sink is installed per worker.
type Sink struct {
	itemID   uint64
	itemName string
	path     string

	mu     sync.Mutex
	file   *os.File
	offset int64
	events chan<- Record
}

// NextLogPath chooses a non-colliding path under dir for item (id, name),
// probing "_1", "_2", ... suffixes the way the original source avoids
// overwriting a file left behind by a previous attempt at the same id.
func NextLogPath(dir string, id uint64, name string) (string, error) {
	safe := sanitizeName(name)
	base := fmt.Sprintf("%d_%s", id, safe)
	candidate := filepath.Join(dir, base+".out")
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}
	for k := 1; ; k++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d.out", base, k))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}

func sanitizeName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	s := r.Replace(name)
	if s == "" {
		return "item"
	}
	return s
}

// CreateEmpty creates the (empty) log file at path before the worker is
// spawned, so an external watcher attaching on the NewConsoleOutputPath
// event never misses data.
func CreateEmpty(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// NewSink opens path (which must already exist, created via CreateEmpty)
// for appending and wires it to events.
func NewSink(itemID uint64, itemName, path string, events chan<- Record) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Sink{
		itemID:   itemID,
		itemName: itemName,
		path:     path,
		file:     f,
		offset:   info.Size(),
		events:   events,
	}, nil
}

// Write implements io.Writer so a Sink can be used directly as a worker's
// stdout/stderr redirect target.
func (s *Sink) Write(p []byte) (int, error) {
	s.Emit(string(p))
	return len(p), nil
}

// Emit normalizes newlines in msg to the platform line separator, appends it
// to the log file, and publishes the corresponding Record. The file-offset
// field recorded is the size *before* this write.
func (s *Sink) Emit(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := normalizeNewlines(msg)
	before := s.offset

	n, err := s.file.WriteString(normalized)
	if err != nil {
		return
	}
	s.offset += int64(n)

	rec := Record{
		ItemID:           s.itemID,
		ItemName:         s.itemName,
		FilePath:         s.path,
		Timestamp:        time.Now(),
		FileOffsetBefore: before,
		Message:          normalized,
	}
	if s.events != nil {
		select {
		case s.events <- rec:
		default:
			// Drop rather than block the worker indefinitely; the periodic
			// reconciliation tick resyncs listeners that miss fine-grained events.
		}
	}
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if os.PathSeparator == '\\' {
		return strings.ReplaceAll(s, "\n", "\r\n")
	}
	return s
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// LineWriter wraps a Sink so that partial writes (as produced by a worker's
// redirected stdout/stderr pipe) are coalesced into whole lines before being
// emitted, avoiding one Record per short read.
type LineWriter struct {
	sink *Sink
	buf  strings.Builder
}

// NewLineWriter returns a buffered writer over sink.
func NewLineWriter(sink *Sink) *LineWriter {
	return &LineWriter{sink: sink}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	s := w.buf.String()
	lastNL := strings.LastIndexByte(s, '\n')
	if lastNL == -1 {
		return len(p), nil
	}
	w.sink.Emit(s[:lastNL+1])
	w.buf.Reset()
	w.buf.WriteString(s[lastNL+1:])
	return len(p), nil
}

// Flush emits any partial trailing line still buffered.
func (w *LineWriter) Flush() {
	if w.buf.Len() == 0 {
		return
	}
	w.sink.Emit(w.buf.String())
	w.buf.Reset()
}

// TailFile reads a region of a log file: negative seekEnd/maxBytes mean
// "to end"/"all bytes". A partial trailing line is acceptable since the
// worker may be writing concurrently.
func TailFile(path string, seekEnd, maxBytes int64) (string, time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", time.Time{}, err
	}
	size := info.Size()

	var start int64
	if seekEnd < 0 {
		start = 0
	} else {
		start = size - seekEnd
		if start < 0 {
			start = 0
		}
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", time.Time{}, err
	}

	var r io.Reader = bufio.NewReader(f)
	if maxBytes >= 0 {
		r = io.LimitReader(r, maxBytes)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", time.Time{}, err
	}
	return string(data), info.ModTime(), nil
}
