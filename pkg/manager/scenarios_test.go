package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiderdock/spiderd/pkg/catalog"
	"github.com/spiderdock/spiderd/pkg/scb"
	"github.com/spiderdock/spiderd/pkg/spider"
	"github.com/spiderdock/spiderd/pkg/supervisor"
	"github.com/spiderdock/spiderd/pkg/types"
	"github.com/spiderdock/spiderd/pkg/worker"
)

// scenarioSpider runs the given body against a spider.Context and relays its error as Run's
// result, the same in-process substitute for a compiled plugin pkg/worker/runtime_test.go's
// fakeSpider uses.
type scenarioSpider struct {
	body func(ctx spider.Context) error
}

func (s *scenarioSpider) Run(ctx spider.Context) error { return s.body(ctx) }
func (s *scenarioSpider) Unload(spider.Context) error  { return nil }

// runScenarioContainer registers containerID in the containers catalog as Manager.Run would,
// then drives sp in-process through a real worker.Runtime wired to a real memory-mapped
// control block and real catalog stores — exercising the same queue/drain, watchdog, and
// terminal-status machinery a real worker process would, without ever forking one. Right after
// starting the runtime it hands the context to the Manager's already-running Supervisor
// Monitor exactly the way Manager.StartContainer does, with a Wait that returns once the
// runtime's loop has returned, so reaping, cron logic, and catalog bookkeeping are the real
// production code paths.
func runScenarioContainer(t *testing.T, m *Manager, containerID string, daemon bool, cron string, watchdogMaxTime time.Duration, sp spider.Spider) *catalog.Store {
	t.Helper()

	require.NoError(t, m.store.SwitchDatabase("containers"))
	require.NoError(t, m.store.Insert("infos", map[string]any{
		"ID": containerID, "Package": "demo:1.0", "Created": time.Now().Format("2006-01-02 15:04:05"), "Name": containerID,
	}))
	require.NoError(t, m.store.Insert("runtimes", map[string]any{
		"ID": containerID, "Entry": "main", "Daemon": daemon, "Envs": "{}",
		"Status": int64(types.StatusCreated), "RetCode": int64(0),
	}))
	require.NoError(t, m.store.Insert("schedules", map[string]any{"ID": containerID, "Cron": cron}))

	containerDir := filepath.Join(m.cfg.ContainersRootDir, containerID)
	require.NoError(t, os.MkdirAll(filepath.Join(containerDir, "db"), 0o755))

	cb, err := scb.Create(filepath.Join(containerDir, "shares.scb"), daemon)
	require.NoError(t, err)
	require.NoError(t, cb.SetSpiderDBDir(filepath.Join(containerDir, "db")))

	opStore, err := catalog.New(filepath.Join(containerDir, "db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = opStore.Close() })

	dataStore, err := catalog.New(filepath.Join(m.cfg.ContainersRootDir, "..", "data"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dataStore.Close() })

	rt, err := worker.New(worker.Config{
		ContainerID:     containerID,
		SpiderName:      containerID,
		ControlBlock:    cb,
		DataStore:       dataStore,
		OpStore:         opStore,
		ThreadMaximum:   8,
		WatchdogMaxTime: watchdogMaxTime,
		Spider:          sp,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	rt.Start()
	go func() {
		defer close(done)
		rt.Run()
	}()

	m.monitor.Supervise(&supervisor.Context{
		ContainerID:  containerID,
		ControlBlock: cb,
		Cron:         cron,
		Daemon:       daemon,
		Wait: func() error {
			<-done
			return nil
		},
	})

	require.NoError(t, m.store.Update("runtimes",
		map[string]any{"Status": int64(types.StatusRunning)},
		fmt.Sprintf(`WHERE "ID"='%s'`, containerID)))

	return dataStore
}

func TestScenarioAHappyRunPersistsAllRows(t *testing.T) {
	m := newTestManager(t)
	containerID := "scenario-a"

	sp := &scenarioSpider{body: func(ctx spider.Context) error {
		require.NoError(t, ctx.NewTable("t", map[string]any{"x": int64(0)}))
		for i := 0; i < 50; i++ {
			ctx.WriteData("t", map[string]any{"x": int64(42)})
		}
		return nil
	}}
	dataStore := runScenarioContainer(t, m, containerID, false, "", 10*time.Second, sp)

	require.Eventually(t, func() bool {
		return m.monitor.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	list, err := m.Ps(true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.StatusTerminated, list[0].Status)
	assert.Equal(t, types.StatusSuccess, list[0].LastReturnCode)

	require.NoError(t, dataStore.SwitchDatabase(containerID))
	_, rows, err := dataStore.Select("t", "")
	require.NoError(t, err)
	require.Len(t, rows, 50)
	for _, r := range rows {
		assert.EqualValues(t, 42, r["x"])
	}
}

func TestScenarioDCrashSetsExitUnexpectedAndAllowsRestart(t *testing.T) {
	m := newTestManager(t)
	containerID := "scenario-d"

	sp := &scenarioSpider{body: func(ctx spider.Context) error {
		return errors.New("spider raised")
	}}
	runScenarioContainer(t, m, containerID, false, "", 10*time.Second, sp)

	require.Eventually(t, func() bool {
		return m.monitor.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	list, err := m.Ps(true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.StatusTerminated, list[0].Status)
	assert.Equal(t, types.StatusExitUnexpected, list[0].LastReturnCode)

	// A crashed, non-cron container never reschedules itself; restart must still succeed.
	require.NoError(t, m.Restart(containerID))
	list, err = m.Ps(true)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestScenarioFTypeGuardDropsMismatchedRow(t *testing.T) {
	m := newTestManager(t)
	containerID := "scenario-f"

	sp := &scenarioSpider{body: func(ctx spider.Context) error {
		require.NoError(t, ctx.NewTable("t", map[string]any{"x": int64(0)}))
		ctx.WriteData("t", map[string]any{"x": int64(1)})
		ctx.WriteData("t", map[string]any{"x": "one"})
		return nil
	}}
	dataStore := runScenarioContainer(t, m, containerID, false, "", 10*time.Second, sp)

	require.Eventually(t, func() bool {
		return m.monitor.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, dataStore.SwitchDatabase(containerID))
	_, rows, err := dataStore.Select("t", "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0]["x"])
}
