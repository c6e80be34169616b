package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"drisya/internal/infra"
	"drisya/internal/infra/credentials"
)

func main() {
	var (
		keyFlag      string
		providerFlag string
		listFlag     bool
		deleteFlag   bool
	)
	flag.StringVar(&keyFlag, "key", "", "token for the selected provider (fallbacks to environment)")
	flag.StringVar(&providerFlag, "provider", credentials.ProviderHuggingFace, "image provider to configure (huggingface or qwen)")
	flag.BoolVar(&listFlag, "list", false, "list providers with a stored token")
	flag.BoolVar(&deleteFlag, "delete", false, "remove the stored token for -provider")
	flag.Parse()

	_ = godotenv.Load()

	provider := strings.TrimSpace(strings.ToLower(providerFlag))
	switch provider {
	case credentials.ProviderHuggingFace, credentials.ProviderQwen:
	case "":
		provider = credentials.ProviderHuggingFace
	default:
		fmt.Fprintf(os.Stderr, "unsupported provider %q\n", providerFlag)
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "providerkey").Str("provider", provider).Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	switch {
	case listFlag:
		entries, err := store.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list tokens: %v\n", err)
			os.Exit(1)
		}
		for _, e := range entries {
			fmt.Printf("%s\tupdated %s\n", e.Provider, e.UpdatedAt.UTC().Format(time.RFC3339))
		}
		return
	case deleteFlag:
		removed, err := store.Delete(ctx, provider)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to delete %s token: %v\n", provider, err)
			os.Exit(1)
		}
		if !removed {
			fmt.Printf("no %s token stored\n", provider)
			return
		}
		fmt.Printf("%s token removed\n", provider)
		return
	}

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		switch provider {
		case credentials.ProviderQwen:
			key = strings.TrimSpace(os.Getenv("QWEN_API_KEY"))
		default:
			key = strings.TrimSpace(os.Getenv("HF_API_TOKEN"))
		}
	}
	if key == "" {
		fmt.Fprintf(os.Stderr, "%s token is required via -key or environment\n", provider)
		os.Exit(1)
	}

	if err := store.SetToken(ctx, provider, key, map[string]any{"source": "cli"}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist %s token: %v\n", provider, err)
		os.Exit(1)
	}
	fmt.Printf("%s token stored successfully\n", provider)
}
