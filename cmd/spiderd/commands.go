package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/spiderdock/spiderd/pkg/archive"
	"github.com/spiderdock/spiderd/pkg/manager"
	"github.com/spiderdock/spiderd/pkg/types"
)

var loadCmd = &cobra.Command{
	Use:          "load <package.zip>",
	Short:        "Load a spider package archive into the local catalog",
	Args:         cobra.ExactArgs(1),
	PreRunE:      requireManager,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg, err := mgr.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Loaded %s:%s (%s)\n", pkg.Name, pkg.Tag, pkg.ID[:12])
		return nil
	},
}

var packagesCmd = &cobra.Command{
	Use:          "packages",
	Short:        "List loaded spider packages",
	Args:         cobra.NoArgs,
	PreRunE:      requireManager,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		pkgs, err := mgr.Packages()
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.AppendHeader(table.Row{"ID", "NAME", "TAG", "SIZE", "AUTHOR", "DESC"})
		for _, p := range pkgs {
			t.AppendRow(table.Row{p.ID[:12], p.Name, p.Tag, fmtSize(p.SizeBytes), p.Author, p.Desc})
		}
		fmt.Println(t.Render())
		return nil
	},
}

var (
	runName   string
	runEntry  string
	runDaemon bool
	runCron   string
)

var runCmd = &cobra.Command{
	Use:          "run <package:tag>",
	Short:        "Create and start a container from a loaded package",
	Args:         cobra.ExactArgs(1),
	PreRunE:      requireManager,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := manager.RunOptions{Name: runName}
		if cmd.Flags().Changed("entry") {
			opts.Entry = &runEntry
		}
		if cmd.Flags().Changed("daemon") {
			opts.Daemon = &runDaemon
		}
		if cmd.Flags().Changed("cron") {
			opts.Cron = &runCron
		}

		id, err := mgr.Run(args[0], opts)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runName, "name", "", "container name (default: generated docker-style name)")
	runCmd.Flags().StringVar(&runEntry, "entry", "", "override the package's entry module")
	runCmd.Flags().BoolVar(&runDaemon, "daemon", false, "override the package's daemon flag")
	runCmd.Flags().StringVar(&runCron, "cron", "", "override the package's cron schedule")
}

var psAll bool

var psCmd = &cobra.Command{
	Use:          "ps",
	Short:        "List containers",
	Args:         cobra.NoArgs,
	PreRunE:      requireManager,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		containers, err := mgr.Ps(psAll)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.AppendHeader(table.Row{"CONTAINER ID", "PACKAGE", "ENTRY", "STATUS", "NAMES"})
		for _, c := range containers {
			status := c.Status.String()
			if c.Status == types.StatusTerminated {
				status = fmt.Sprintf("%s(%s)", status, c.LastReturnCode)
			}
			t.AppendRow(table.Row{c.ID[:12], c.PackageRef, c.Entry, status, c.Name})
		}
		fmt.Println(t.Render())
		return nil
	},
}

func init() {
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "show terminated containers too")
}

var startCmd = &cobra.Command{
	Use:          "start <container>",
	Short:        "Start a container",
	Args:         cobra.ExactArgs(1),
	PreRunE:      requireManager,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mgr.Start(args[0])
	},
}

var stopCmd = &cobra.Command{
	Use:          "stop <container>",
	Short:        "Stop a running container",
	Args:         cobra.ExactArgs(1),
	PreRunE:      requireManager,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mgr.Stop(args[0])
	},
}

var restartCmd = &cobra.Command{
	Use:          "restart <container>",
	Short:        "Restart a container",
	Args:         cobra.ExactArgs(1),
	PreRunE:      requireManager,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mgr.Restart(args[0])
	},
}

var rmForce bool

var rmCmd = &cobra.Command{
	Use:          "rm <container>",
	Short:        "Remove a container",
	Args:         cobra.ExactArgs(1),
	PreRunE:      requireManager,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mgr.Rm(args[0], rmForce)
	},
}

func init() {
	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "remove even if the container is running")
}

var rmiCmd = &cobra.Command{
	Use:          "rmi <package:tag>",
	Short:        "Remove a loaded package",
	Args:         cobra.ExactArgs(1),
	PreRunE:      requireManager,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mgr.Rmi(args[0])
	},
}

var logsCmd = &cobra.Command{
	Use:          "logs <container>",
	Short:        "Print a container's logs",
	Args:         cobra.ExactArgs(1),
	PreRunE:      requireManager,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := mgr.Logs(args[0])
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func fmtSize(n int64) string {
	return archive.FormatSize(n)
}
