// services/accounts/seed.go
package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/example/payflow/internal/accountstub"
)

type seedAccount struct {
	Number   string          `yaml:"number"`
	UserID   string          `yaml:"user_id"`
	PIN      string          `yaml:"pin"`
	Balance  decimal.Decimal `yaml:"balance"`
	Currency string          `yaml:"currency"`
	Blocked  bool            `yaml:"blocked"`
}

type seedCard struct {
	UserID string `yaml:"user_id"`
	Number string `yaml:"number"`
	CVV    string `yaml:"cvv"`
	PIN    string `yaml:"pin"`
}

// Seed is the initial state of the stand-in bank.
type Seed struct {
	Pool     decimal.Decimal `yaml:"pool"`
	Accounts []seedAccount   `yaml:"accounts"`
	Cards    []seedCard      `yaml:"cards"`
}

var demoSeed = Seed{
	Pool: decimal.NewFromInt(10_000_000),
	Accounts: []seedAccount{
		{Number: "1000000001", UserID: "1", PIN: "1234", Balance: decimal.NewFromInt(50_000), Currency: "NGN"},
		{Number: "1000000002", UserID: "2", PIN: "1234", Balance: decimal.NewFromInt(50_000), Currency: "NGN"},
		{Number: "1000000003", UserID: "3", PIN: "1234", Balance: decimal.NewFromInt(50_000), Currency: "NGN"},
	},
	Cards: []seedCard{{UserID: "1", Number: "5399000011112222", CVV: "123", PIN: "1234"}},
}

// loadSeed reads a YAML seed file; an empty path yields the demo seed.
func loadSeed(path string) (Seed, error) {
	if path == "" {
		return demoSeed, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	for i, a := range s.Accounts {
		if a.Number == "" || a.UserID == "" {
			return Seed{}, fmt.Errorf("seed account %d: number and user_id are required", i)
		}
	}
	return s, nil
}

func (s Seed) Bank(defaultCurrency string) *accountstub.Bank {
	b := accountstub.NewBank(s.Pool)
	for _, a := range s.Accounts {
		cur := a.Currency
		if cur == "" {
			cur = defaultCurrency
		}
		b.OpenAccount(a.Number, a.UserID, a.PIN, a.Balance, cur)
		if a.Blocked {
			b.Block(a.Number)
		}
	}
	for _, c := range s.Cards {
		b.IssueCard(c.UserID, c.Number, c.CVV, c.PIN)
	}
	return b
}
