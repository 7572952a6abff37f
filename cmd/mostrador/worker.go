package main

import (
	"fmt"
	"time"

	"github.com/ndvalle/mostrador/internal/queue"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	var (
		configPath  string
		concurrency int
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued turns from RabbitMQ",
		Long: `Consumes turns published by "mostrador serve" when queue.backend is
rabbitmq. Failed turns are retried through a delay queue and land in the
dead-letter queue after the last attempt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath, concurrency, maxAttempts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "turns processed at once (defaults to queue.workers)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "attempts before a turn is dead-lettered")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string, concurrency, maxAttempts int) error {
	out := cmd.OutOrStdout()
	ctx, cancel := signalContext(out)
	defer cancel()

	a, err := buildApp(ctx, cmd, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Queue.Backend != "rabbitmq" {
		return fmt.Errorf("worker requires queue.backend rabbitmq (got %q)", a.cfg.Queue.Backend)
	}
	if concurrency <= 0 {
		concurrency = a.cfg.Queue.Workers
	}

	consumer, err := queue.NewConsumer(queue.ConsumerOpts{
		URL:         a.cfg.RabbitMQ.URL,
		Queue:       a.cfg.RabbitMQ.Queue,
		Concurrency: concurrency,
		MaxAttempts: maxAttempts,
		RetryDelay:  10 * time.Second,
		Timeout:     a.cfg.LLMTimeout() * 3,
		Handler:     a.proc.Handler(a.adapters),
		Log:         &a.log,
	})
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.watchFailures(ctx, consumer.Errors())
	}()

	fmt.Fprintf(out, "Consuming %s with concurrency %d\n", a.cfg.RabbitMQ.Queue, concurrency)
	err = consumer.Run(ctx)
	<-done
	return err
}
