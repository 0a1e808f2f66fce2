// Package recording captures key and pointer input per connection in the
// "<delta-ns>:<event>" line format, gzip compressed.
package recording

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogogo1024/novarfb"
	"github.com/gogogo1024/novarfb/protocol"
)

// Recorder is a router sink that keeps one recording per connection and
// saves it to its Store when the connection ends.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex // guards sessions
	sessions map[string]*kbRecording
}

type kbRecording struct {
	buf   bytes.Buffer
	gz    *gzip.Writer
	start time.Time
	last  time.Time
}

var (
	_ novarfb.Dispatcher = (*Recorder)(nil)
	_ novarfb.ConnCloser = (*Recorder)(nil)
)

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*kbRecording),
	}
}

// Dispatch records key and pointer events. Other messages are ignored.
func (r *Recorder) Dispatch(ctx context.Context, m protocol.ClientMessage) error {
	switch m.(type) {
	case *protocol.KeyEvent, *protocol.PointerEvent:
	default:
		return nil
	}

	id := novarfb.ConnIDFromContext(ctx)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	kb, ok := r.sessions[id]
	if !ok {
		kb = &kbRecording{start: now, last: now}
		kb.gz = gzip.NewWriter(&kb.buf)
		r.sessions[id] = kb
	}

	delta := now.Sub(kb.last).Nanoseconds()
	if _, err := fmt.Fprintf(kb.gz, "%d:%s\n", delta, m); err != nil {
		return err
	}
	kb.last = now
	return nil
}

// ConnClosed finishes the connection's recording and saves it. The save is
// not cancelled with ctx.
func (r *Recorder) ConnClosed(ctx context.Context) error {
	id := novarfb.ConnIDFromContext(ctx)

	r.mu.Lock()
	kb, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := kb.gz.Close(); err != nil {
		return err
	}

	name := recordingName(id, kb.start)
	if err := r.store.Save(context.WithoutCancel(ctx), name, kb.buf.Bytes()); err != nil {
		return err
	}
	r.logger.Info("saved recording", "conn", id, "name", name, "bytes", kb.buf.Len())
	return nil
}

// Active reports the number of connections being recorded.
func (r *Recorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func recordingName(id string, start time.Time) string {
	if id == "" {
		id = "conn"
	}
	return fmt.Sprintf("%s-%s.kb.gz", id, start.UTC().Format("20060102T150405.000Z"))
}
