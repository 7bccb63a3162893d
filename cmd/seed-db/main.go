package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-orders/internal/seed"
	"github.com/xenking/storefront-orders/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		seedFile    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedFile, "seed-file", "db/seed/catalog.json", "path to seed JSON file (.json or .json.gz)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, seedFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, seedFile string) error {
	slog.Info("reading seed file", slog.String("path", seedFile))

	data, err := seed.Load(seedFile)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	n, err := postgres.Migrate(ctx, pool)
	if err != nil {
		return errors.Wrap(err, "run migrations")
	}
	slog.Info("migrations applied", slog.Int("count", n))

	if err := seed.Postgres(ctx, pool, data); err != nil {
		return errors.Wrap(err, "seed")
	}

	slog.Info("seeded",
		slog.Int("users", len(data.Users)),
		slog.Int("categories", len(data.Categories)),
		slog.Int("products", len(data.Products)),
	)
	return nil
}
