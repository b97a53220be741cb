// Package worker is the process that actually runs a user spider. It is the Go realization
// of the Worker Runtime: the spiderd binary re-executes itself with a hidden subcommand to
// become one of these, loads the container's compiled spider plugin, and drives it through
// the same supervisory loop TSDAP/spider/context.py's SpiderContext.start() runs — poll the
// shared control block, drain the emission queue, and decide a terminal return code once the
// spider's own goroutine has stopped.
//
// The loop structure (ticker, mutex-guarded maps of in-flight work) is grounded on
// cuemby-warren/pkg/worker/worker.go's containerExecutorLoop/syncContainers shape; the
// semantics being looped over are TSDAP's.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spiderdock/spiderd/pkg/catalog"
	"github.com/spiderdock/spiderd/pkg/metrics"
	"github.com/spiderdock/spiderd/pkg/scb"
	"github.com/spiderdock/spiderd/pkg/spider"
	"github.com/spiderdock/spiderd/pkg/types"
)

const pollInterval = 500 * time.Millisecond

type queuedRow struct {
	table string
	row   map[string]any
}

// Runtime drives one spider instance inside a worker process: it is the Context the spider's
// Run method sees, and it owns the supervisory loop that watches the control block.
type Runtime struct {
	containerID string
	spiderName  string

	cb        *scb.ControlBlock
	dataStore *catalog.Store // shared, multi-tenant emitted-row store; "database" = spiderName
	opStore   *catalog.Store // per-container operational store; "database" = spiderName

	logHandler *logHandler

	queue    chan queuedRow
	queueCap int

	threadMu  sync.Mutex
	threads   map[string]chan struct{}
	threadMax int

	exceptionOccurred atomic.Bool

	watchdogMaxTime time.Duration
	watchdogMu      sync.Mutex
	watchdog        *time.Timer

	mainDone   chan struct{}
	spider     spider.Spider
	unloadOnce sync.Once
}

// Config holds the parameters a worker process needs to stand up a Runtime.
type Config struct {
	ContainerID     string
	SpiderName      string
	ControlBlock    *scb.ControlBlock
	DataStore       *catalog.Store
	OpStore         *catalog.Store
	ThreadMaximum   int
	WatchdogMaxTime time.Duration
	Spider          spider.Spider
}

// New builds a Runtime and initializes its two backing stores: the per-container operational
// database (stores + logs tables) and the shared data database the spider's NewTable/
// WriteData calls target. Grounded on TSDAP/spider/context.py's _init_db_spider.
func New(cfg Config) (*Runtime, error) {
	r := &Runtime{
		containerID:     cfg.ContainerID,
		spiderName:      cfg.SpiderName,
		cb:              cfg.ControlBlock,
		dataStore:       cfg.DataStore,
		opStore:         cfg.OpStore,
		queue:           make(chan queuedRow, 100),
		queueCap:        100,
		threads:         make(map[string]chan struct{}),
		threadMax:       cfg.ThreadMaximum,
		watchdogMaxTime: cfg.WatchdogMaxTime,
		mainDone:        make(chan struct{}),
		spider:          cfg.Spider,
	}

	if err := r.opStore.CreateDatabase(r.spiderName); err != nil {
		return nil, fmt.Errorf("worker: create operational database: %w", err)
	}
	if err := r.opStore.SwitchDatabase(r.spiderName); err != nil {
		return nil, fmt.Errorf("worker: switch operational database: %w", err)
	}
	if err := r.opStore.CreateTable("stores", map[string]any{"name": "", "store_data": ""}); err != nil {
		return nil, fmt.Errorf("worker: create stores table: %w", err)
	}
	if err := r.opStore.CreateTable("logs", map[string]any{"DATETIME": "", "LEVEL": "", "MESSAGE": ""}); err != nil {
		return nil, fmt.Errorf("worker: create logs table: %w", err)
	}

	if err := r.dataStore.CreateDatabase(r.spiderName); err != nil {
		return nil, fmt.Errorf("worker: create data database: %w", err)
	}
	if err := r.dataStore.SwitchDatabase(r.spiderName); err != nil {
		return nil, fmt.Errorf("worker: switch data database: %w", err)
	}

	r.logHandler = newLogHandler(r.opStore)

	return r, nil
}

// Logger returns the structured logger spider code and the runtime itself should use; its
// records fan out to the operational "logs" table and to an in-memory snapshot served on
// demand through the control block's logs-request handshake.
func (r *Runtime) Logger() *slog.Logger {
	return slog.New(r.logHandler)
}

// Start launches the spider's Run method as a tracked goroutine named "main" and, for a
// non-daemon container, arms the watchdog. Grounded on SpiderContext._init_spider plus start()'s
// pre-loop watchdog arm.
func (r *Runtime) Start() {
	done := make(chan struct{})
	r.threadMu.Lock()
	r.threads["main"] = done
	r.threadMu.Unlock()

	go func() {
		defer close(done)
		defer close(r.mainDone)
		if err := r.spider.Run(r); err != nil {
			r.exceptionOccurred.Store(true)
		}
	}()

	if !r.cb.IsDaemon() {
		r.armWatchdog()
	}
}

// Run blocks until the spider has stopped (by its own choice, by a stop request, or by the
// watchdog), publishing the terminal return code to the control block before returning.
// Grounded line for line on SpiderContext.start()'s loop.
func (r *Runtime) Run() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		metrics.QueueDepth.WithLabelValues(r.containerID).Set(float64(len(r.queue)))

		if len(r.queue) == r.queueCap {
			r.submitQueue()
		}

		if r.cb.LogsRequested() {
			r.cb.SetLogsBuffer(r.logHandler.Snapshot())
			r.cb.ClearLogsRequest()
		}

		if r.cb.StopEvent() {
			r.submitQueue()

			if r.cb.DogTriggered() {
				r.cb.SetReturnCode(types.StatusDogTrigger)
				return
			}

			<-r.mainDone
			r.cb.SetReturnCode(types.StatusSuccess)
			return
		}

		select {
		case <-r.mainDone:
			r.submitQueue()
			if r.exceptionOccurred.Load() {
				r.cb.SetReturnCode(types.StatusExitUnexpected)
			} else {
				r.cb.SetReturnCode(types.StatusSuccess)
			}
			return
		case <-ticker.C:
		}
	}
}

func (r *Runtime) submitQueue() {
	err := r.dataStore.Transaction(func(tx *catalog.Tx) error {
		for {
			select {
			case item := <-r.queue:
				if err := tx.Insert(item.table, item.row); err != nil {
					if err == catalog.ErrTypeMismatch {
						metrics.RowsDroppedTotal.WithLabelValues(item.table).Inc()
						continue
					}
					return err
				}
				metrics.RowsEmittedTotal.WithLabelValues(item.table).Inc()
			default:
				return nil
			}
		}
	})
	if err != nil {
		r.logHandler.insertDirect("ERROR", fmt.Sprintf("failed to submit emission queue: %v", err))
	}
}

func (r *Runtime) armWatchdog() {
	r.watchdogMu.Lock()
	defer r.watchdogMu.Unlock()
	r.watchdog = time.AfterFunc(r.watchdogMaxTime, r.triggerDog)
}

// feedDog cancels and re-arms the watchdog, the effect of every stop-checkpoint fed by a user
// API call (spec §4.4). Daemon containers never arm a watchdog in the first place, so feeding
// one here is a no-op.
func (r *Runtime) feedDog() {
	if r.cb.IsDaemon() {
		return
	}
	r.watchdogMu.Lock()
	defer r.watchdogMu.Unlock()
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	r.watchdog = time.AfterFunc(r.watchdogMaxTime, r.triggerDog)
}

func (r *Runtime) triggerDog() {
	metrics.WatchdogTriggersTotal.Inc()
	r.cb.TriggerDog()
}

// onStop runs the spider's Unload hook exactly once, the "unwind unload() and terminate" half
// of a stop-checkpoint that observed stop_event set (spec §4.3).
func (r *Runtime) onStop() {
	r.unloadOnce.Do(func() {
		if err := r.spider.Unload(r); err != nil {
			r.logHandler.insertDirect("ERROR", fmt.Sprintf("spider unload failed: %v", err))
		}
	})
}

// AllocThread implements spider.Context. It passes through a stop checkpoint (spec §4.3): if a
// stop has been observed once the allocation attempt returns, it runs the spider's Unload hook
// and returns ErrStopRequested; otherwise it feeds the watchdog and returns the allocation's own
// result. Grounded on SpiderContext._add_thread: dead threads are pruned first, then the call is
// rejected (not panicked) if the thread ceiling would be exceeded or the name is already in use.
func (r *Runtime) AllocThread(name string, task func(ctx context.Context)) error {
	return spider.Checkpoint(r.cb.StopEvent, r.feedDog, r.onStop, func() error {
		return r.allocThread(name, task)
	})
}

func (r *Runtime) allocThread(name string, task func(ctx context.Context)) error {
	r.threadMu.Lock()
	defer r.threadMu.Unlock()

	r.pruneDeadThreadsLocked()

	if len(r.threads) > r.threadMax {
		return spider.ErrThreadLimitReached
	}
	if _, exists := r.threads[name]; exists {
		return spider.ErrThreadNameRepeated
	}

	done := make(chan struct{})
	r.threads[name] = done

	go func() {
		defer close(done)
		task(context.Background())
	}()

	return nil
}

func (r *Runtime) pruneDeadThreadsLocked() {
	for name, done := range r.threads {
		select {
		case <-done:
			delete(r.threads, name)
		default:
		}
	}
}

// NewTable implements spider.Context, declaring a table in the shared data store. Passes
// through a stop checkpoint like AllocThread.
func (r *Runtime) NewTable(table string, sample map[string]any) error {
	return spider.Checkpoint(r.cb.StopEvent, r.feedDog, r.onStop, func() error {
		return r.dataStore.CreateTable(table, sample)
	})
}

// WriteData implements spider.Context. It blocks when the queue is full, the same
// backpressure TSDAP/spider/context.py's _push_data_to_queue applies via queue.put, and passes
// through a stop checkpoint like AllocThread once the enqueue returns.
func (r *Runtime) WriteData(table string, row map[string]any) {
	_ = spider.Checkpoint(r.cb.StopEvent, r.feedDog, r.onStop, func() error {
		r.queue <- queuedRow{table: table, row: row}
		return nil
	})
}

// ReadStores implements spider.Context, reading a previously written key/value blob from the
// per-container operational store.
func (r *Runtime) ReadStores(name string) (map[string]any, bool) {
	_, rows, err := r.opStore.Select("stores", fmt.Sprintf(`WHERE "name"='%s'`, name))
	if err != nil || len(rows) == 0 {
		return nil, false
	}
	return decodeStoreBlob(rows[0]["store_data"])
}

// WriteStores implements spider.Context, replacing any prior blob under name.
func (r *Runtime) WriteStores(name string, data map[string]any) {
	_ = r.opStore.Delete("stores", fmt.Sprintf(`WHERE "name"='%s'`, name))
	blob := encodeStoreBlob(data)
	_ = r.opStore.Insert("stores", map[string]any{"name": name, "store_data": blob})
}
