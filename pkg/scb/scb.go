// Package scb implements the Shared Control Block: a small fixed-layout region shared
// between the Container Manager/Supervisor Monitor process and a worker's child process,
// used to signal stop requests, report the watchdog trigger, ferry a log snapshot, and
// publish the worker's terminal return code.
//
// Grounded loosely on TSDAP/spider/common.py's
// SpiderShares, whose fields (is_stop_event, is_daemon, is_dog_trigger, is_logs, logs,
// spider_db_dir, ret_code) this type's fields mirror one for one. The original builds
// SpiderShares from a multiprocessing.managers.SyncManager because Python's worker is a
// forked child sharing the parent's address space through that manager proxy; this system's
// worker is a wholly separate OS process started via os/exec, so the only thing both sides
// can genuinely share is a real memory-mapped file, opened independently by each side against
// the same path, shares.scb in the container's directory.
package scb

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/spiderdock/spiderd/pkg/types"
)

const (
	offStopEvent     = 0
	offIsDaemon      = 4
	offDogTriggered  = 8
	offLogsRequest   = 12
	offReturnCode    = 16
	offDBDirLen      = 20
	offDBDir         = 24
	dbDirCapacity    = 512
	offLogsLen       = offDBDir + dbDirCapacity // 536
	offLogsBuf       = offLogsLen + 4           // 540
	logsBufCapacity  = 64 * 1024
	totalSize        = offLogsBuf + logsBufCapacity

	returnCodeUnset = int32(-1)
)

// ControlBlock is one open handle onto a memory-mapped control block file. Both the
// Supervisor Monitor (or Container Manager, for a synchronous stop) and the worker process
// open their own ControlBlock against the same path; writes from either side are visible to
// the other as soon as the kernel flushes the shared mapping, which for MAP_SHARED is
// immediate.
type ControlBlock struct {
	path string
	file *os.File
	mem  []byte
}

// Create allocates a new control block file at path, sized and zeroed, with is_daemon set
// from daemon and return_code set to its unset sentinel. It is an error for path to already
// exist — callers allocate exactly one control block per container run.
func Create(path string, daemon bool) (*ControlBlock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("scb: create %q: %w", path, err)
	}

	if err := f.Truncate(int64(totalSize)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("scb: truncate %q: %w", path, err)
	}

	cb, err := mapFile(path, f)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	atomic.StoreInt32(cb.i32ptr(offReturnCode), returnCodeUnset)
	atomic.StoreUint32(cb.u32ptr(offIsDaemon), boolToU32(daemon))

	return cb, nil
}

// Open attaches to an existing control block file at path, as a worker process does on
// startup to reach the block its parent already created.
func Open(path string) (*ControlBlock, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("scb: open %q: %w", path, err)
	}
	return mapFile(path, f)
}

func mapFile(path string, f *os.File) (*ControlBlock, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, totalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("scb: mmap %q: %w", path, err)
	}
	return &ControlBlock{path: path, file: f, mem: mem}, nil
}

// Close unmaps and closes this handle's view of the control block, without removing the
// backing file — the other side may still hold it open.
func (c *ControlBlock) Close() error {
	if err := unix.Munmap(c.mem); err != nil {
		c.file.Close()
		return fmt.Errorf("scb: munmap: %w", err)
	}
	return c.file.Close()
}

// Release closes this handle and removes the backing file. Called by the side that owns the
// control block's lifetime (the Supervisor Monitor, once a worker has been reaped) as a
// resource-manager step after reading a terminated worker's return code.
func (c *ControlBlock) Release() error {
	if err := c.Close(); err != nil {
		return err
	}
	return os.Remove(c.path)
}

func (c *ControlBlock) u32ptr(offset int) *uint32 {
	return (*uint32)(unsafe.Pointer(&c.mem[offset]))
}

func (c *ControlBlock) i32ptr(offset int) *int32 {
	return (*int32)(unsafe.Pointer(&c.mem[offset]))
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// StopEvent reports whether a stop has been requested.
func (c *ControlBlock) StopEvent() bool {
	return atomic.LoadUint32(c.u32ptr(offStopEvent)) == 1
}

// SetStopEvent requests a stop. Idempotent and non-blocking: it only flips the flag, it
// never waits for the worker to observe it.
func (c *ControlBlock) SetStopEvent() {
	atomic.StoreUint32(c.u32ptr(offStopEvent), 1)
}

// IsDaemon reports whether this container was started in daemon mode. Set once at Create and
// never mutated afterward.
func (c *ControlBlock) IsDaemon() bool {
	return atomic.LoadUint32(c.u32ptr(offIsDaemon)) == 1
}

// DogTriggered reports whether the watchdog fired before the worker reached a checkpoint.
func (c *ControlBlock) DogTriggered() bool {
	return atomic.LoadUint32(c.u32ptr(offDogTriggered)) == 1
}

// TriggerDog marks the watchdog as fired and requests a stop in the same step, matching
// TSDAP/spider/context.py's __dog_trigger (sets both is_dog_trigger and is_stop_event).
func (c *ControlBlock) TriggerDog() {
	atomic.StoreUint32(c.u32ptr(offDogTriggered), 1)
	c.SetStopEvent()
}

// RequestLogs asks the worker to snapshot its in-memory log buffer into LogsBuffer.
func (c *ControlBlock) RequestLogs() {
	atomic.StoreUint32(c.u32ptr(offLogsRequest), 1)
}

// LogsRequested reports whether a log snapshot has been requested and not yet fulfilled.
func (c *ControlBlock) LogsRequested() bool {
	return atomic.LoadUint32(c.u32ptr(offLogsRequest)) == 1
}

// ClearLogsRequest clears the snapshot request, signalling the requester that LogsBuffer now
// holds a fresh snapshot.
func (c *ControlBlock) ClearLogsRequest() {
	atomic.StoreUint32(c.u32ptr(offLogsRequest), 0)
}

// SetLogsBuffer publishes a log snapshot. Truncated to logsBufCapacity if longer — the
// control block is a handshake channel, not a durable log store; the per-container SQL logs
// table is durable.
func (c *ControlBlock) SetLogsBuffer(s string) {
	c.writeString(offLogsLen, offLogsBuf, logsBufCapacity, s)
}

// LogsBuffer returns the most recently published log snapshot.
func (c *ControlBlock) LogsBuffer() string {
	return c.readString(offLogsLen, offLogsBuf, logsBufCapacity)
}

// SetSpiderDBDir publishes the path of this container's per-container operational database
// directory, set once by the parent before starting the worker.
func (c *ControlBlock) SetSpiderDBDir(dir string) error {
	if len(dir) > dbDirCapacity {
		return fmt.Errorf("scb: spider db dir path too long (%d > %d)", len(dir), dbDirCapacity)
	}
	c.writeString(offDBDirLen, offDBDir, dbDirCapacity, dir)
	return nil
}

// SpiderDBDir returns the published per-container operational database directory.
func (c *ControlBlock) SpiderDBDir() string {
	return c.readString(offDBDirLen, offDBDir, dbDirCapacity)
}

// ReturnCode returns the worker's terminal return code and whether it has been set yet.
func (c *ControlBlock) ReturnCode() (types.ReturnCode, bool) {
	v := atomic.LoadInt32(c.i32ptr(offReturnCode))
	if v == returnCodeUnset {
		return 0, false
	}
	return types.ReturnCode(v), true
}

// SetReturnCode publishes the worker's terminal return code. Written exactly once, by the
// worker, as the last thing it does before exiting.
func (c *ControlBlock) SetReturnCode(code types.ReturnCode) {
	atomic.StoreInt32(c.i32ptr(offReturnCode), int32(code))
}

func (c *ControlBlock) writeString(lenOff, dataOff, capacity int, s string) {
	if len(s) > capacity {
		s = s[:capacity]
	}
	copy(c.mem[dataOff:dataOff+capacity], make([]byte, capacity)) // zero stale tail
	copy(c.mem[dataOff:dataOff+len(s)], s)
	atomic.StoreUint32(c.u32ptr(lenOff), uint32(len(s)))
}

func (c *ControlBlock) readString(lenOff, dataOff, capacity int) string {
	n := atomic.LoadUint32(c.u32ptr(lenOff))
	if int(n) > capacity {
		n = uint32(capacity)
	}
	buf := make([]byte, n)
	copy(buf, c.mem[dataOff:dataOff+int(n)])
	return string(buf)
}
