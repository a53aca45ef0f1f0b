// Package main seeds a ledger from a YAML fixture of accounts and their
// transactions.
//
// Commands go through the same use cases as the HTTP API, so every seeded
// fact is an event in the log. Re-running a fixture is safe: existing
// accounts are skipped and repeated transaction ids are accepted as
// duplicates.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"ledgerd.io/ledgerd/internal/app"
	"ledgerd.io/ledgerd/internal/config"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/pkg/logger"
	"ledgerd.io/ledgerd/internal/usecase"
)

// seedFileEnv names the fixture file when no argument is given.
const seedFileEnv = "LEDGERD_SEED_FILE"

type fixture struct {
	Accounts []accountFixture `yaml:"accounts"`
}

type accountFixture struct {
	ID             string               `yaml:"id"`
	Owner          string               `yaml:"owner"`
	InitialBalance string               `yaml:"initial_balance"`
	Currency       string               `yaml:"currency"`
	Transactions   []transactionFixture `yaml:"transactions"`
	// Close closes the account after its transactions.
	Close       bool   `yaml:"close"`
	CloseReason string `yaml:"close_reason"`
}

type transactionFixture struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"` // deposit or withdraw
	Amount      string `yaml:"amount"`
	Description string `yaml:"description"`
}

type summary struct {
	Created    int
	Skipped    int
	Applied    int
	Duplicates int
	Closed     int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	path := os.Getenv(seedFileEnv)
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	fx := defaultFixture()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read fixture: %w", err)
		}
		if fx, err = parseFixture(raw); err != nil {
			return fmt.Errorf("parse fixture %s: %w", path, err)
		}
	}

	ctx := context.Background()
	application, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer application.Shutdown()

	logger.Info("Starting ledger seeding...", zap.Int("accounts", len(fx.Accounts)))
	sum, err := apply(ctx, application.Commands, fx)
	if err != nil {
		return err
	}

	logger.Info("Ledger seeding completed",
		zap.Int("created", sum.Created),
		zap.Int("skipped", sum.Skipped),
		zap.Int("transactions", sum.Applied),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("closed", sum.Closed),
	)
	return nil
}

func parseFixture(raw []byte) (*fixture, error) {
	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(fx.Accounts))
	for i, acc := range fx.Accounts {
		id := strings.TrimSpace(acc.ID)
		if id == "" {
			return nil, fmt.Errorf("accounts[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("accounts[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		for j, tx := range acc.Transactions {
			switch strings.ToLower(tx.Type) {
			case "deposit", "withdraw":
			default:
				return nil, fmt.Errorf("accounts[%d].transactions[%d]: type must be deposit or withdraw, got %q", i, j, tx.Type)
			}
		}
	}
	return &fx, nil
}

func apply(ctx context.Context, cmds app.Commands, fx *fixture) (summary, error) {
	var sum summary
	for _, acc := range fx.Accounts {
		initial, err := parseAmount(acc.InitialBalance)
		if err != nil {
			return sum, fmt.Errorf("account %s initial_balance: %w", acc.ID, err)
		}
		_, err = cmds.CreateAccount.Execute(ctx, usecase.CreateAccountInput{
			AccountID:      acc.ID,
			OwnerName:      acc.Owner,
			InitialBalance: initial,
			Currency:       acc.Currency,
		})
		switch {
		case hasCode(err, apperrors.CodeAccountExists):
			sum.Skipped++
		case err != nil:
			return sum, fmt.Errorf("create account %s: %w", acc.ID, err)
		default:
			sum.Created++
		}

		for _, tx := range acc.Transactions {
			amount, err := parseAmount(tx.Amount)
			if err != nil {
				return sum, fmt.Errorf("account %s transaction %s amount: %w", acc.ID, tx.ID, err)
			}
			in := usecase.MoveMoneyInput{
				AccountID:     acc.ID,
				Amount:        amount,
				TransactionID: tx.ID,
				Description:   tx.Description,
			}
			var out *usecase.CommandOutput
			if strings.EqualFold(tx.Type, "withdraw") {
				out, err = cmds.Withdraw.Execute(ctx, in)
			} else {
				out, err = cmds.Deposit.Execute(ctx, in)
			}
			if err != nil && acc.Close && hasCode(err, apperrors.CodeAccountClosed) {
				// Closed by an earlier run of this fixture.
				sum.Duplicates++
				continue
			}
			if err != nil {
				return sum, fmt.Errorf("account %s transaction %s: %w", acc.ID, tx.ID, err)
			}
			if out.Duplicate {
				sum.Duplicates++
			} else {
				sum.Applied++
			}
		}

		if acc.Close {
			out, err := cmds.CloseAccount.Execute(ctx, usecase.CloseAccountInput{AccountID: acc.ID, Reason: acc.CloseReason})
			if err != nil {
				return sum, fmt.Errorf("close account %s: %w", acc.ID, err)
			}
			if !out.Duplicate {
				sum.Closed++
			}
		}
	}
	return sum, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(raw))
}

func hasCode(err error, code string) bool {
	var appErr *apperrors.AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func defaultFixture() *fixture {
	return &fixture{Accounts: []accountFixture{
		{
			ID: "ACC-1001", Owner: "Alice Martin", InitialBalance: "1000.00", Currency: "USD",
			Transactions: []transactionFixture{
				{ID: "seed-1001-1", Type: "deposit", Amount: "250.00", Description: "salary"},
				{ID: "seed-1001-2", Type: "withdraw", Amount: "75.50", Description: "groceries"},
			},
		},
		{
			ID: "ACC-1002", Owner: "Bruno Costa", InitialBalance: "50", Currency: "EUR",
			Transactions: []transactionFixture{
				{ID: "seed-1002-1", Type: "withdraw", Amount: "50", Description: "rent share"},
			},
			Close: true, CloseReason: "moved abroad",
		},
	}}
}
