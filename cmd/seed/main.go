// Command seed loads pages, variants and goals from a YAML fixture file.
//
//	seed -f pages.yaml
//
// Seeding is idempotent: existing pages and variants are left alone and
// goals are upserted by (page, name).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"pageinsight/api/config"
	"pageinsight/api/database"
	"pageinsight/api/logger"
	"pageinsight/api/models"
	"pageinsight/api/store"
)

const (
	exitSuccess = 0
	exitFailure = 1

	seedTimeout = time.Minute
)

// seedStore is what loading fixtures needs from a store.
type seedStore interface {
	store.Authoring
	PageBySlug(ctx context.Context, slug string) (*models.Page, error)
	VariantByKey(ctx context.Context, pageID int64, key string) (*models.PageVariant, error)
}

func main() {
	os.Exit(run())
}

func run() int {
	path := flag.String("f", "pages.yaml", "fixture file")
	flag.Parse()

	fixtures, err := loadFixtures(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read fixtures: %v\n", err)
		return exitFailure
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return exitFailure
	}
	defer func() { _ = log.Sync() }()

	dbClient, err := database.NewPostgresDB(&cfg.Database, log)
	if err != nil {
		log.Error("Failed to connect to database", logger.Error(err))
		return exitFailure
	}
	defer dbClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
	defer cancel()

	res, err := apply(ctx, store.NewPostgresStore(dbClient.DB), fixtures, log)
	if err != nil {
		log.Error("Seeding failed", logger.Error(err))
		return exitFailure
	}

	log.Info("Seeding complete",
		logger.Int("pages_created", res.pagesCreated),
		logger.Int("variants_created", res.variantsCreated),
		logger.Int("goals_upserted", res.goalsUpserted),
	)
	return exitSuccess
}
