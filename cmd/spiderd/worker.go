package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spiderdock/spiderd/pkg/catalog"
	"github.com/spiderdock/spiderd/pkg/log"
	"github.com/spiderdock/spiderd/pkg/scb"
	"github.com/spiderdock/spiderd/pkg/worker"
)

var (
	workerContainerID string
	workerEntry       string
	workerSCBPath     string
	workerPluginPath  string
	workerOpRoot      string
	workerDataRoot    string
)

// workerEntrypointCmd is the hidden subcommand the Manager re-executes this same binary with
// to become one container's worker process. It is never invoked directly by a user.
var workerEntrypointCmd = &cobra.Command{
	Use:          "__worker",
	Hidden:       true,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runWorkerEntrypoint,
}

func init() {
	f := workerEntrypointCmd.Flags()
	f.StringVar(&workerContainerID, "container-id", "", "container id")
	f.StringVar(&workerEntry, "entry", "", "spider entry name, also the operational/data database name")
	f.StringVar(&workerSCBPath, "scb", "", "path to the shared control block")
	f.StringVar(&workerPluginPath, "plugin", "", "path to the compiled spider plugin")
	f.StringVar(&workerOpRoot, "op-root", "", "container's operational database directory")
	f.StringVar(&workerDataRoot, "data-root", "", "shared emitted-row database root directory")
}

func runWorkerEntrypoint(cmd *cobra.Command, args []string) error {
	cb, err := scb.Open(workerSCBPath)
	if err != nil {
		return fmt.Errorf("__worker: open control block: %w", err)
	}

	opStore, err := catalog.New(workerOpRoot, log.WithContainerID(workerContainerID))
	if err != nil {
		return fmt.Errorf("__worker: open operational store: %w", err)
	}
	defer opStore.Close()

	dataStore, err := catalog.New(workerDataRoot, log.WithContainerID(workerContainerID))
	if err != nil {
		return fmt.Errorf("__worker: open data store: %w", err)
	}
	defer dataStore.Close()

	sp, err := worker.LoadSpiderPlugin(workerPluginPath)
	if err != nil {
		return fmt.Errorf("__worker: load spider plugin: %w", err)
	}

	rt, err := worker.New(worker.Config{
		ContainerID:     workerContainerID,
		SpiderName:      workerEntry,
		ControlBlock:    cb,
		DataStore:       dataStore,
		OpStore:         opStore,
		ThreadMaximum:   cfg.ThreadMaximum,
		WatchdogMaxTime: cfg.WatchdogMaxTime,
		Spider:          sp,
	})
	if err != nil {
		return fmt.Errorf("__worker: build runtime: %w", err)
	}

	rt.Start()
	rt.Run()
	return nil
}
