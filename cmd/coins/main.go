package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"drisya/internal/adapter/repo"
	"drisya/internal/domain"
	"drisya/internal/infra"
	"drisya/internal/ledger"
)

func main() {
	var (
		userFlag   string
		amountFlag int64
		keyFlag    string
		reasonFlag string
		showFlag   bool
	)

	flag.StringVar(&userFlag, "user", "", "user ID to credit")
	flag.Int64Var(&amountFlag, "amount", 0, "coins to add (must be positive)")
	flag.StringVar(&keyFlag, "key", "", "idempotency key; reusing a key credits nothing (generated when empty)")
	flag.StringVar(&reasonFlag, "reason", ledger.ReasonTopUp, "reason recorded on the ledger entry")
	flag.BoolVar(&showFlag, "balance", false, "only print the current balance")
	flag.Parse()

	_ = godotenv.Load()

	userID := strings.TrimSpace(userFlag)
	if userID == "" {
		exitWithError(errors.New("-user is required"))
	}
	if !showFlag && amountFlag <= 0 {
		exitWithError(errors.New("-amount must be positive"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "coins").Logger()
	store := repo.NewStore(infra.NewSQLRunner(pool, logger))
	coins := ledger.New(ledger.Options{Logger: &logger})

	if !showFlag {
		var applied bool
		err := store.InTx(ctx, func(tx domain.Tx) error {
			var err error
			applied, err = coins.Credit(ctx, tx, userID, amountFlag, reasonFlag, keyFlag)
			return err
		})
		if err != nil {
			exitWithError(fmt.Errorf("failed to credit coins: %w", err))
		}
		if applied {
			fmt.Printf("Credited %d coins to %s\n", amountFlag, userID)
		} else {
			fmt.Printf("Key %q was already used; nothing credited\n", keyFlag)
		}
	}

	balance, err := coins.BalanceOf(ctx, store, userID)
	if err != nil {
		exitWithError(err)
	}
	fmt.Printf("balance=%d\n", balance)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
