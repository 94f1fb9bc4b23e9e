package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mixelka/mailtriage/internal/api"
	"github.com/mixelka/mailtriage/internal/triage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the triage worker and the poller",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := api.NewServer(api.Config{
		Addr:   a.cfg.APIAddr,
		APIKey: a.cfg.APIKey,
		Rate:   a.cfg.APIRate,
		Burst:  a.cfg.APIBurst,
	}, a.service, a.db, a.processor, a.logger)
	if err != nil {
		return err
	}

	poller := triage.NewPoller(a.service, a.db, a.processor, a.cfg.EmailPollInterval, a.logger)

	a.logger.Info("mailtriage is running, press Ctrl+C to stop")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return a.processor.Run(ctx) })
	g.Go(func() error { return poller.Run(ctx) })

	err = g.Wait()
	a.logger.Info("mailtriage stopped")
	return err
}
