package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/payflow/internal/config"
	"github.com/example/payflow/internal/ledger"
	"github.com/example/payflow/internal/postgres"
)

var errIssuesFound = errors.New("ledger integrity issues found")

func auditCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check every ledger transaction for balance and entry hash integrity",
		Long: `Connects to the ledger database named by DB_SOURCE and recomputes each
transaction's balance and entry hashes. Exits non-zero when any issue is found.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load("payflowctl")
			if err := cfg.Require("DB_SOURCE"); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			db, err := postgres.Connect(ctx, cfg.DBSource)
			if err != nil {
				return err
			}
			defer db.Close()

			issues, err := ledger.NewEngine(ledger.NewPGStore(db), nil, zap.NewNop()).Audit(ctx)
			if err != nil {
				return err
			}
			return report(cmd, issues)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Give up after this long")
	return cmd
}

func report(cmd *cobra.Command, issues []string) error {
	out := cmd.OutOrStdout()
	if len(issues) == 0 {
		fmt.Fprintln(out, "ledger OK")
		return nil
	}
	for _, issue := range issues {
		fmt.Fprintln(out, issue)
	}
	fmt.Fprintf(out, "%d issue(s)\n", len(issues))
	return errIssuesFound
}
