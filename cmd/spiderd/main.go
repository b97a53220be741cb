// Command spiderd is the spiderd binary: the cobra command tree for the Container Manager,
// plus a hidden "__worker" entrypoint the Manager re-executes this same binary with to become
// a worker process for one running container.
//
// Grounded on cuemby-warren/cmd/warren/main.go's rootCmd/cobra.OnInitialize/subcommand-tree
// shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spiderdock/spiderd/pkg/config"
	"github.com/spiderdock/spiderd/pkg/log"
	"github.com/spiderdock/spiderd/pkg/manager"
)

var (
	cfgFile string
	cfg     config.Config
	mgr     *manager.Manager
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spiderd",
	Short: "spiderd manages and supervises scraping spider containers",
	Long: `spiderd loads user spider packages, launches them as supervised worker
processes, and answers Docker-style load/run/ps/start/stop/restart/rm/rmi/logs/packages
commands against them.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to spiderd.yaml (defaults built in if omitted)")
	cobra.OnInitialize(initConfigAndLogging)

	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(packagesCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(rmiCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerEntrypointCmd)
}

func initConfigAndLogging() {
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "spiderd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel)})
}

// requireManager lazily constructs the package-level Manager for every command except the
// hidden worker entrypoint, which runs in its own re-executed process and never needs one.
func requireManager(*cobra.Command, []string) error {
	if mgr != nil {
		return nil
	}
	m, err := manager.New(manager.Config{
		CatalogRootDir:    cfg.CatalogRootDir,
		PackagesRootDir:   cfg.PackagesRootDir,
		ContainersRootDir: cfg.ContainersRootDir,
	}, log.Logger)
	if err != nil {
		return err
	}
	mgr = m
	return nil
}
