package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"drisya/internal/infra"
	"drisya/internal/infra/migrations"
)

func main() {
	var (
		dbURLFlag string
		listFlag  bool
	)
	flag.StringVar(&dbURLFlag, "database-url", "", "Postgres connection string (fallbacks to DATABASE_URL)")
	flag.BoolVar(&listFlag, "list", false, "print migration files in apply order and exit")
	flag.Parse()

	_ = godotenv.Load()
	logger := infra.NewLogger(os.Getenv("APP_ENV")).With().Str("cmd", "migrate").Logger()

	if listFlag {
		names, err := migrations.Files()
		if err != nil {
			exitWithError(err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return
	}

	dbURL := strings.TrimSpace(dbURLFlag)
	if dbURL == "" {
		dbURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dbURL == "" {
		exitWithError(fmt.Errorf("DATABASE_URL is required"))
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("open database: %w", err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		exitWithError(fmt.Errorf("connect database: %w", err))
	}
	if err := migrations.Apply(ctx, db); err != nil {
		exitWithError(err)
	}
	logger.Info().Msg("migrations applied")
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
