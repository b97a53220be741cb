// Package spider defines the contract user-written spiders implement and the host-provided
// facade (Context) they run against. It is the one package a plugin built against spiderd
// imports — everything else (worker scheduling, the control block, the catalog) stays behind
// Context so a spider's code never reaches past its own sandboxed surface.
//
// Grounded on TSDAP/spider/spider.py's ISpider abstract base and its
// spider_stop_checkpoint decorator. Go has no method decorators, so the checkpoint behavior
// (run an operation, then either feed the watchdog or unload-and-stop) is reimplemented as
// the Checkpoint helper function, called by pkg/worker's Context implementation around each
// checkpointed operation rather than wrapping methods at definition time.
package spider

import (
	"context"
	"errors"
	"log/slog"
)

// Thread limit and naming errors, mirroring TSDAP/spider/spider.py's SpiderWarnings
// (ThreadLimitWarning, ThreadRepeatWarning) as Go errors rather than Python warnings —
// callers are expected to log and continue, not treat these as fatal.
var (
	ErrThreadLimitReached = errors.New("spider: thread limit reached")
	ErrThreadNameRepeated = errors.New("spider: thread name already in use")

	// ErrStopRequested is returned by Checkpoint when a stop has been observed at the
	// checkpoint that followed an operation.
	ErrStopRequested = errors.New("spider: stop requested")
)

// Context is the facade a Spider's Run method uses to interact with its host: it stands in
// for the direct method calls TSDAP/spider/context.py's SpiderContext exposed to Python
// spiders (_add_thread, _new_table, _push_data_to_queue, _read_stores, _write_stores).
type Context interface {
	// AllocThread starts task in a new goroutine tracked under name, enforcing the worker's
	// thread ceiling and rejecting duplicate names. Grounded on _add_thread.
	AllocThread(name string, task func(ctx context.Context)) error

	// NewTable declares table in the shared data store, inferring its column types from a
	// sample row. The store's type check is learned from the first row actually inserted
	// into table, not from sample; later WriteData rows whose types differ are dropped.
	NewTable(table string, sample map[string]any) error

	// WriteData enqueues row for table, blocking if the emission queue is full. Grounded on
	// _push_data_to_queue, including its backpressure: a full queue blocks the caller rather
	// than dropping data.
	WriteData(table string, row map[string]any)

	// ReadStores retrieves the named persisted key/value blob, if any was ever written.
	ReadStores(name string) (map[string]any, bool)

	// WriteStores persists a named key/value blob, replacing any prior value under name.
	WriteStores(name string, data map[string]any)

	// Logger returns the structured logger a spider should use, grounded on
	// TSDAP/spider/context.py setting self.context.logger for spider code to log through.
	Logger() *slog.Logger
}

// Spider is the contract a package's entry point must implement. A package's compiled
// plugin registers exactly one Spider instance (via a Factory) — see pkg/worker's plugin
// loader for the "must declare exactly one" rule ported from
// TSDAP/spider/context.py's __import_from_path.
type Spider interface {
	// Run is the spider's main body. It returns when the spider's work is done (for a
	// non-daemon container) or keeps running until the host asks it to stop.
	Run(ctx Context) error

	// Unload is called once, after a stop has been observed, to let the spider release any
	// resources before its process exits.
	Unload(ctx Context) error
}

// Factory constructs a new Spider instance. A package's plugin exports exactly one Factory.
type Factory func() Spider

// Checkpoint runs fn, then performs the same stop-checkpoint TSDAP/spider/spider.py applies
// after every decorated call: if a stop has been requested, onStop runs (the Unload call)
// and Checkpoint returns ErrStopRequested regardless of fn's own result; otherwise feedDog
// runs (resetting the watchdog) and fn's error is returned unchanged.
func Checkpoint(stopRequested func() bool, feedDog func(), onStop func(), fn func() error) error {
	err := fn()

	if stopRequested() {
		onStop()
		return ErrStopRequested
	}

	feedDog()
	return err
}
