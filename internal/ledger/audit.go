package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	m "github.com/example/payflow/pkg/metrics"
)

// CheckTransaction returns the integrity issues of a single transaction:
// fewer than two entries, zero amounts, an unbalanced currency group, or an
// entry whose stored hash no longer matches its fields.
func CheckTransaction(txn Transaction) []string {
	var issues []string
	if len(txn.Entries) < 2 {
		issues = append(issues, fmt.Sprintf("transaction %s: has %d entries, expected at least 2", txn.Reference, len(txn.Entries)))
	}

	type sums struct{ debit, credit decimal.Decimal }
	byCurrency := map[string]*sums{}
	for _, e := range txn.Entries {
		if e.Amount.IsZero() {
			issues = append(issues, fmt.Sprintf("entry %s (transaction %s): zero amount", e.ID, txn.Reference))
		}
		if e.Hash != Hash(e) {
			issues = append(issues, fmt.Sprintf("entry %s (transaction %s): content hash mismatch", e.ID, txn.Reference))
		}
		s, ok := byCurrency[e.Currency]
		if !ok {
			s = &sums{}
			byCurrency[e.Currency] = s
		}
		switch e.Type {
		case Debit:
			s.debit = s.debit.Add(e.Amount)
		case Credit:
			s.credit = s.credit.Add(e.Amount)
		default:
			issues = append(issues, fmt.Sprintf("entry %s (transaction %s): unknown entry type %q", e.ID, txn.Reference, e.Type))
		}
	}

	currencies := make([]string, 0, len(byCurrency))
	for c := range byCurrency {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	for _, c := range currencies {
		s := byCurrency[c]
		if !s.debit.Equal(s.credit) {
			issues = append(issues, fmt.Sprintf("transaction %s: unbalanced %s debit=%s credit=%s",
				txn.Reference, c, s.debit.StringFixed(2), s.credit.StringFixed(2)))
		}
	}
	return issues
}

// Audit walks every stored transaction and returns all issues found. An
// empty result means the ledger is consistent.
func (e *Engine) Audit(ctx context.Context) ([]string, error) {
	var issues []string
	checked := 0
	err := e.store.Transactions(ctx, func(txn Transaction) error {
		checked++
		issues = append(issues, CheckTransaction(txn)...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	m.IntegrityIssues.Set(float64(len(issues)))
	if len(issues) > 0 {
		e.logger.Warn("ledger integrity issues", zap.Int("transactions", checked), zap.Strings("issues", issues))
	} else {
		e.logger.Info("ledger integrity ok", zap.Int("transactions", checked))
	}
	return issues, nil
}
