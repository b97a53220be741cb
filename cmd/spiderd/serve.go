package main

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/spiderdock/spiderd/pkg/log"
	"github.com/spiderdock/spiderd/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run spiderd in the foreground, serving metrics and supervising containers",
	Args:         cobra.NoArgs,
	PreRunE:      requireManager,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())

		log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
		return http.ListenAndServe(cfg.MetricsAddr, mux)
	},
}
