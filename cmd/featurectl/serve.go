package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"featurestore/internal/push"
	"featurestore/internal/scheduler"
	"featurestore/internal/server"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the feature server",
	Long: `Run the feature server.

Besides the HTTP API this starts, when configured, the NATS push listener,
scheduled incremental materialization and the repo watcher.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		watch := []string(nil)
		if cfg.Server.Watch {
			watch = cfg.Repo
			if len(watch) == 0 {
				logger.Printf("serve: watch is on but no repo paths are configured")
			}
		}
		sched := &scheduler.Scheduler{
			Backend:  s,
			Schedule: cfg.Server.MaterializeSchedule,
			Watch:    watch,
			Logger:   logger,
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()

		if cfg.Push.NATSURL != "" {
			nc, err := push.Connect(cfg.Push.NATSURL)
			if err != nil {
				return err
			}
			defer nc.Close()
			l := &push.Listener{Conn: nc, Pusher: s.Pusher(), Prefix: cfg.Push.SubjectPrefix, Logger: logger}
			errCh := make(chan error, 1)
			go func() { errCh <- l.Serve(ctx) }()
			defer func() {
				if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
					logger.Printf("serve: nats listener: %v", err)
				}
			}()
		}

		srvErr := server.New(s, logger).ListenAndServe(ctx, cfg.Server.Addr)
		// Unblock the listener when the HTTP server stopped on its own.
		stop()
		return srvErr
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default: server.addr from the project file)")
}
