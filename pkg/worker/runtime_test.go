package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiderdock/spiderd/pkg/catalog"
	"github.com/spiderdock/spiderd/pkg/scb"
	"github.com/spiderdock/spiderd/pkg/spider"
)

type fakeSpider struct {
	release  chan struct{}
	runErr   error
	onRun    func(ctx spider.Context)
	unloaded bool
}

func (f *fakeSpider) Run(ctx spider.Context) error {
	if f.onRun != nil {
		f.onRun(ctx)
	}
	if f.release != nil {
		<-f.release
	}
	return f.runErr
}

func (f *fakeSpider) Unload(spider.Context) error {
	f.unloaded = true
	return nil
}

func newTestRuntime(t *testing.T, daemon bool, sp spider.Spider) (*Runtime, *scb.ControlBlock) {
	t.Helper()

	dataStore, err := catalog.New(filepath.Join(t.TempDir(), "data"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dataStore.Close() })

	opStore, err := catalog.New(filepath.Join(t.TempDir(), "op"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = opStore.Close() })

	cb, err := scb.Create(filepath.Join(t.TempDir(), "scb.bin"), daemon)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cb.Release() })

	r, err := New(Config{
		ContainerID:     "c1",
		SpiderName:      "demo",
		ControlBlock:    cb,
		DataStore:       dataStore,
		OpStore:         opStore,
		ThreadMaximum:   4,
		WatchdogMaxTime: 10 * time.Second,
		Spider:          sp,
	})
	require.NoError(t, err)

	return r, cb
}

func TestRuntimeCompletesSuccessfully(t *testing.T) {
	sp := &fakeSpider{}
	r, cb := newTestRuntime(t, false, sp)

	r.Start()
	r.Run()

	code, ok := cb.ReturnCode()
	require.True(t, ok)
	assert.Equal(t, 0, int(code))
}

func TestRuntimeExceptionMarksExitUnexpected(t *testing.T) {
	sp := &fakeSpider{runErr: errors.New("boom")}
	r, cb := newTestRuntime(t, false, sp)

	r.Start()
	r.Run()

	code, ok := cb.ReturnCode()
	require.True(t, ok)
	assert.Equal(t, 1, int(code)) // StatusExitUnexpected
}

func TestRuntimeStopEventWaitsForMainThenSucceeds(t *testing.T) {
	release := make(chan struct{})
	sp := &fakeSpider{release: release}
	r, cb := newTestRuntime(t, false, sp)

	r.Start()

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	cb.SetStopEvent()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop event and main exit")
	}

	code, ok := cb.ReturnCode()
	require.True(t, ok)
	assert.Equal(t, 0, int(code))
}

func TestAllocThreadRejectsDuplicateName(t *testing.T) {
	sp := &fakeSpider{}
	r, _ := newTestRuntime(t, true, sp)

	err := r.AllocThread("worker-1", func(ctx context.Context) { time.Sleep(50 * time.Millisecond) })
	require.NoError(t, err)

	err = r.AllocThread("worker-1", func(ctx context.Context) {})
	assert.ErrorIs(t, err, spider.ErrThreadNameRepeated)
}

func TestAllocThreadRejectsOverLimit(t *testing.T) {
	sp := &fakeSpider{}
	r, _ := newTestRuntime(t, true, sp)
	r.threadMax = 1

	block := make(chan struct{})
	require.NoError(t, r.AllocThread("t1", func(ctx context.Context) { <-block }))
	require.NoError(t, r.AllocThread("t2", func(ctx context.Context) { <-block }))

	err := r.AllocThread("t3", func(ctx context.Context) {})
	assert.ErrorIs(t, err, spider.ErrThreadLimitReached)

	close(block)
}

func TestWriteDataAndSubmitQueue(t *testing.T) {
	sp := &fakeSpider{}
	r, _ := newTestRuntime(t, true, sp)

	require.NoError(t, r.NewTable("rows", map[string]any{"Value": int64(0)}))
	r.WriteData("rows", map[string]any{"Value": int64(42)})

	r.submitQueue()

	_, rows, err := r.dataStore.Select("rows", "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 42, rows[0]["Value"])
}

func TestStoresRoundTrip(t *testing.T) {
	sp := &fakeSpider{}
	r, _ := newTestRuntime(t, true, sp)

	_, ok := r.ReadStores("cursor")
	assert.False(t, ok)

	r.WriteStores("cursor", map[string]any{"offset": float64(17)})

	got, ok := r.ReadStores("cursor")
	require.True(t, ok)
	assert.EqualValues(t, 17, got["offset"])

	r.WriteStores("cursor", map[string]any{"offset": float64(99)})
	got, ok = r.ReadStores("cursor")
	require.True(t, ok)
	assert.EqualValues(t, 99, got["offset"])
}
