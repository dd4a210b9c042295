package ledger

import (
	"context"
	"log/slog"

	"loom/internal/config"
	"loom/internal/logging"
)

// BalanceReader is the slice of the record store the ledger needs.
type BalanceReader interface {
	Balance(ctx context.Context, accountID string) (float64, error)
}

// Ledger evaluates admission for dispatches against the account balance. It
// never mutates the balance: the backend is authoritative for debits, the
// ledger only pre-checks to avoid needless dispatch attempts.
type Ledger struct {
	reader    BalanceReader
	accountID string
	rates     Rates
	logger    *slog.Logger
}

// New constructs a ledger reading the given account.
func New(cfg *config.Config, reader BalanceReader, logger *slog.Logger) *Ledger {
	return &Ledger{
		reader:    reader,
		accountID: cfg.Backend.AccountID,
		rates:     RatesFromConfig(cfg),
		logger:    logging.NewComponentLogger(logger, "ledger"),
	}
}

// Rates returns the configured cost rates.
func (l *Ledger) Rates() Rates {
	return l.rates
}

// Balance re-reads the current balance from the record store. The balance is
// shared across every open stage editor, so it is never cached here.
func (l *Ledger) Balance(ctx context.Context) (float64, error) {
	return l.reader.Balance(ctx, l.accountID)
}

// CanAfford reports whether a dispatch of the given cost may proceed. It
// fails closed: an unknown or unreadable balance blocks dispatch rather than
// optimistically allowing it.
func (l *Ledger) CanAfford(ctx context.Context, cost float64) bool {
	if cost < 0 {
		return false
	}
	balance, err := l.reader.Balance(ctx, l.accountID)
	if err != nil {
		l.logger.Warn("balance unavailable; admission fails closed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "balance_read_failed"),
			logging.String(logging.FieldErrorHint, "check record store access"),
		)
		return false
	}
	return balance >= cost
}
