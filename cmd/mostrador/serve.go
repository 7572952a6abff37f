package main

import (
	"fmt"

	"github.com/ndvalle/mostrador/internal/queue"
	"github.com/ndvalle/mostrador/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and admin API server",
		Long: `Starts the HTTP server that receives provider webhooks and serves the
admin API.

With the memory queue backend turns are processed in-process by a bounded
worker pool. With the rabbitmq backend they are published for "mostrador
worker" to consume.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()
	ctx, cancel := signalContext(out)
	defer cancel()

	a, err := buildApp(ctx, cmd, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	var enqueuer queue.Enqueuer
	switch a.cfg.Queue.Backend {
	case "rabbitmq":
		pub, err := queue.NewPublisher(a.cfg.RabbitMQ.URL, a.cfg.RabbitMQ.Queue)
		if err != nil {
			return err
		}
		defer pub.Close()
		enqueuer = pub
		fmt.Fprintf(out, "Publishing turns to RabbitMQ queue %s\n", a.cfg.RabbitMQ.Queue)
	default:
		pool, err := queue.NewPool(queue.PoolOpts{
			Handler: a.proc.Handler(a.adapters),
			Workers: a.cfg.Queue.Workers,
			Size:    a.cfg.Queue.Size,
			Timeout: a.cfg.LLMTimeout() * 3,
			Log:     &a.log,
		})
		if err != nil {
			return err
		}
		pool.Start(ctx)
		defer pool.Stop()
		go a.watchFailures(ctx, pool.Errors())
		enqueuer = pool
		fmt.Fprintf(out, "Processing turns in-process with %d workers\n", a.cfg.Queue.Workers)
	}

	janitor, err := a.newJanitor()
	if err != nil {
		return err
	}
	go janitor.Run(ctx)

	srv, err := server.New(server.Opts{
		Adapters:      a.adapters,
		Queue:         enqueuer,
		Conversations: a.convs,
		Instances:     a.instances,
		Settings:      a.settings,
		Processor:     a.proc,
		Events:        a.events,
		Checkers:      a.checkers,
		JWTSecret:     a.cfg.Admin.JWTSecret,
		Log:           &a.log,
	})
	if err != nil {
		return err
	}

	if port <= 0 {
		port = a.cfg.Server.Port
	}
	err = srv.ListenAndServe(ctx, port, out)
	cancel()
	return err
}
