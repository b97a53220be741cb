// Package supervisor implements the Supervisor Monitor: a single background loop that polls
// every supervised worker process, reaps each one that has exited exactly once, reads its
// terminal return code off the shared control block, decides the resulting container status,
// arms a cron timer to relaunch the container when it is rescheduled, and releases the
// control block.
//
// Grounded on TSDAP/spider/manager.py's __monitor_contexts/__cron_task/safety_exit, looped
// the way cuemby-warren/pkg/scheduler/scheduler.go loops its own ticker over a mutex-guarded
// map with a back-reference to the thing that restarts work (there, the scheduler calls back
// into the FSM; here, Monitor calls back into a Starter).
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiderdock/spiderd/internal/cronsched"
	"github.com/spiderdock/spiderd/pkg/catalog"
	"github.com/spiderdock/spiderd/pkg/metrics"
	"github.com/spiderdock/spiderd/pkg/scb"
	"github.com/spiderdock/spiderd/pkg/types"
)

const pollInterval = 500 * time.Millisecond

// Starter is implemented by the Container Manager so the Monitor can relaunch a container
// whose cron timer has fired, without importing the manager package (which imports this one).
type Starter interface {
	StartContainer(containerID string) error
}

// Context is one worker process under supervision.
type Context struct {
	ContainerID  string
	ControlBlock *scb.ControlBlock
	Cron         string
	Daemon       bool

	// Wait blocks until the worker process has exited. Supervise calls it exactly once, from
	// its own goroutine (an os/exec.Cmd.Wait satisfies this directly).
	Wait func() error

	exited  chan struct{}
	waitErr error
	reaped  bool // guarded by Monitor.mu
}

// Monitor runs the 500ms reap loop over every Context handed to it via Supervise.
type Monitor struct {
	store   *catalog.Store
	starter Starter
	logger  zerolog.Logger

	mu       sync.Mutex
	contexts map[string]*Context

	stop chan struct{}
	done chan struct{}
}

// New builds a Monitor. store must already have "containers" creatable/selectable.
func New(store *catalog.Store, starter Starter, logger zerolog.Logger) *Monitor {
	return &Monitor{
		store:    store,
		starter:  starter,
		logger:   logger,
		contexts: make(map[string]*Context),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Supervise registers c for reaping and starts the goroutine that waits on its process.
func (m *Monitor) Supervise(c *Context) {
	c.exited = make(chan struct{})
	go func() {
		c.waitErr = c.Wait()
		close(c.exited)
	}()

	m.mu.Lock()
	m.contexts[c.ContainerID] = c
	m.mu.Unlock()
}

// Count returns the number of containers currently under supervision.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// Run blocks, polling for dead workers every 500ms, until Stop is called.
func (m *Monitor) Run() {
	defer close(m.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

// Stop ends Run's loop and waits for it to return.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) reapOnce() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SupervisorReapDuration)

	m.mu.Lock()
	var dead []*Context
	for _, c := range m.contexts {
		select {
		case <-c.exited:
			if !c.reaped {
				c.reaped = true
				dead = append(dead, c)
			}
		default:
		}
	}
	m.mu.Unlock()

	for _, c := range dead {
		m.handleDead(c)
	}
}

func (m *Monitor) handleDead(c *Context) {
	code, ok := c.ControlBlock.ReturnCode()
	if !ok {
		code = types.StatusExitUnexpected
	}

	status := types.StatusTerminated
	reschedule := code == types.StatusSuccess && !c.Daemon && c.Cron != ""

	if reschedule {
		if next, found, err := cronsched.NextFireTime(c.Cron, time.Now()); err == nil && found {
			status = types.StatusTimerWaiting
			m.armCronTimer(c, next)
		} else {
			reschedule = false
		}
	}

	if !reschedule {
		m.mu.Lock()
		delete(m.contexts, c.ContainerID)
		m.mu.Unlock()
	}

	if err := m.store.SwitchDatabase("containers"); err == nil {
		_ = m.store.Update("runtimes",
			map[string]any{"Status": int64(status), "RetCode": int64(code)},
			fmt.Sprintf(`WHERE "ID"='%s'`, c.ContainerID))
	}

	metrics.ContainersTotal.WithLabelValues(status.String()).Inc()
	metrics.ContainersRunning.Dec()

	if err := c.ControlBlock.Release(); err != nil {
		m.logger.Warn().Err(err).Str("container_id", c.ContainerID).Msg("failed to release control block")
	}

	// Repeats the removal made above, before the catalog update; deleting an absent key is a
	// no-op.
	if !reschedule {
		m.mu.Lock()
		delete(m.contexts, c.ContainerID)
		m.mu.Unlock()
	}
}

func (m *Monitor) armCronTimer(c *Context, next time.Time) {
	time.AfterFunc(time.Until(next), func() {
		m.mu.Lock()
		delete(m.contexts, c.ContainerID)
		m.mu.Unlock()

		if err := m.starter.StartContainer(c.ContainerID); err != nil {
			m.logger.Warn().Err(err).Str("container_id", c.ContainerID).Msg("cron relaunch failed")
		}
	})
}

// SafetyExit requests a stop on every supervised container and blocks until the supervised
// set has drained, the semantics TSDAP/spider/manager.py's safety_exit describes wanting
// (its literal loop condition is backwards — see DESIGN.md's Open Question decisions).
func (m *Monitor) SafetyExit() {
	m.mu.Lock()
	for _, c := range m.contexts {
		c.ControlBlock.SetStopEvent()
	}
	m.mu.Unlock()

	for {
		if m.Count() == 0 {
			return
		}
		time.Sleep(pollInterval)
	}
}
