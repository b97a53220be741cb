package worker

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/spiderdock/spiderd/pkg/catalog"
)

// logHandler is a slog.Handler that fans every record out to two destinations, grounded on
// TSDAP/spider/context.py's DatabaseLogHandler.emit: an insert into the container's own
// operational "logs" table (durable, queryable by `logs`), and an in-memory buffer snapshot
// published to the control block on request (SpiderVirtualIO's role). A third-party logging
// library is not a fit here — see DESIGN.md's standard-library justification for this file.
type logHandler struct {
	store *catalog.Store

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLogHandler(store *catalog.Store) *logHandler {
	return &logHandler{store: store}
}

func (h *logHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *logHandler) Handle(_ context.Context, rec slog.Record) error {
	ts := rec.Time.Format("2006-01-02 15:04:05")
	level := rec.Level.String()
	line := fmt.Sprintf("[%s][%s] - %s", ts, level, rec.Message)

	h.mu.Lock()
	h.buf.WriteString(line)
	h.buf.WriteByte('\n')
	h.mu.Unlock()

	return h.store.Insert("logs", map[string]any{
		"DATETIME": ts,
		"LEVEL":    level,
		"MESSAGE":  rec.Message,
	})
}

func (h *logHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *logHandler) WithGroup(string) slog.Handler      { return h }

// Snapshot returns everything written so far, mirroring SpiderVirtualIO.get_logs.
func (h *logHandler) Snapshot() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.String()
}

// insertDirect records a line the handler itself needs to log (e.g. a failed queue submit)
// without going through slog, to avoid the handler recursively logging about its own logging.
func (h *logHandler) insertDirect(level, message string) {
	ts := time.Now().Format("2006-01-02 15:04:05")
	h.mu.Lock()
	h.buf.WriteString(fmt.Sprintf("[%s][%s] - %s\n", ts, level, message))
	h.mu.Unlock()
	_ = h.store.Insert("logs", map[string]any{"DATETIME": ts, "LEVEL": level, "MESSAGE": message})
}
