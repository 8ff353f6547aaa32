package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/payflow/internal/bus"
	"github.com/example/payflow/internal/config"
	"github.com/example/payflow/internal/logging"
	"github.com/example/payflow/internal/payment"
	"github.com/example/payflow/internal/postgres"
	"github.com/example/payflow/internal/retry"
)

func reapCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Run one reaper sweep against the payment database",
		Long: `Finalizes PENDING payment requests idle longer than --ttl and republishes
completions that were never published. Refund alerts and republished events go
to the broker named by AMQP_URL.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load("payflowctl")
			if err := cfg.Require("DB_SOURCE", "AMQP_URL"); err != nil {
				return err
			}
			logger := logging.Must("payflowctl", cfg.LogLevel)
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			db, err := postgres.Connect(ctx, cfg.DBSource)
			if err != nil {
				return err
			}
			defer db.Close()

			topo, err := bus.LoadTopology("payment")
			if err != nil {
				return err
			}
			amqpClient, err := bus.Dial(cfg.AMQPURL, topo, logger)
			if err != nil {
				return err
			}
			defer amqpClient.Close()
			pub := bus.NewPublisher(amqpClient, retry.Publish(cfg.PublishAttempts, cfg.PublishBackoffStep), logger)

			saga := payment.NewOrchestrator(payment.NewPGStore(db), nil, pub, logger)
			res, err := payment.NewReaper(saga, ttl, logger).Sweep(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "failed=%d needs_refund=%d republished=%d\n",
				res.Failed, res.NeedsRefund, res.Republished)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", config.Load("payflowctl").PendingTTL, "Age after which a PENDING request is finalized")
	return cmd
}
