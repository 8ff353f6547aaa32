package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var intentHeader = []string{"idempotency_key", "kind", "payer_user_id", "payer_account", "payee_account", "amount", "currency", "pin"}

type genAccount struct {
	UserID string
	Number string
}

func genCmd() *cobra.Command {
	var (
		n        int
		out      string
		currency string
		seed     int64
		accounts int
	)
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a CSV of transfer intents for load tests",
		Long: `Writes one row per transfer intent against the demo accounts
1000000001..100000000N (user ids 1..N, PIN 1234) served by services/accounts.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if n <= 0 {
				return fmt.Errorf("-n must be positive")
			}
			if accounts < 2 {
				return fmt.Errorf("--accounts must be at least 2")
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()

			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			if err := writeIntents(f, n, demoAccounts(accounts), currency, rand.New(rand.NewSource(seed))); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "generated %s (%d rows + header)\n", out, n)
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 100, "Number of rows, header excluded")
	cmd.Flags().StringVarP(&out, "out", "o", "testdata/transfer_intents.csv", "Output CSV path")
	cmd.Flags().StringVar(&currency, "currency", "NGN", "Currency of every intent")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed; 0 uses the clock")
	cmd.Flags().IntVar(&accounts, "accounts", 3, "Number of demo accounts to draw from")
	return cmd
}

func demoAccounts(n int) []genAccount {
	out := make([]genAccount, n)
	for i := range out {
		out[i] = genAccount{UserID: fmt.Sprint(i + 1), Number: fmt.Sprintf("%d", 1000000001+i)}
	}
	return out
}

// writeIntents writes n INTERNAL transfers between distinct accounts with
// amounts between 1.00 and 500.00.
func writeIntents(w io.Writer, n int, accounts []genAccount, currency string, rnd *rand.Rand) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(intentHeader); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		payer := rnd.Intn(len(accounts))
		payee := (payer + 1 + rnd.Intn(len(accounts)-1)) % len(accounts)
		amount := decimal.New(100+rnd.Int63n(49_901), -2)
		row := []string{
			uuid.NewString(),
			"INTERNAL",
			accounts[payer].UserID,
			accounts[payer].Number,
			accounts[payee].Number,
			amount.StringFixed(2),
			currency,
			"1234",
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
