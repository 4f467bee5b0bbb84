// Command seed-db loads the catalog from a JSON file and issues a manager API
// key. The raw key is printed once; only its HMAC digest is stored.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/repository"
)

func main() {
	var (
		databaseURL  string
		catalogFile  string
		keyName      string
		scopes       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.StringVar(&keyName, "key-name", "", "issue a manager API key with this name")
	flag.StringVar(&scopes, "scopes", strings.Join(auth.AllScopes, ","), "comma separated scopes of the issued key")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STOREFRONT_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("STOREFRONT_API_KEY_PEPPER")
	}
	if keyName != "" && apiKeyPepper == "" {
		slog.Error("API key pepper is required to issue a key: set --api-key-pepper or STOREFRONT_API_KEY_PEPPER")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, keyName, splitScopes(scopes), apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, keyName string, scopes []string, pepper string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedCatalog(ctx, repository.NewCatalogRepository(pool), catalogFile); err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	if keyName == "" {
		return nil
	}
	keys := auth.NewAuthenticator(repository.NewAPIKeyRepository(pool), []byte(pepper))
	raw, err := keys.Issue(ctx, keyName, scopes)
	if err != nil {
		return errors.Wrap(err, "issue api key")
	}
	slog.Info("issued API key", slog.String("name", keyName), slog.Any("scopes", scopes))
	fmt.Println(raw)

	return nil
}

func seedCatalog(ctx context.Context, repo *repository.CatalogRepository, path string) error {
	slog.Info("reading catalog file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}

	var products []catalog.Product
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	variants := 0
	for _, p := range products {
		variants += len(p.Variants)
	}
	slog.Info("upserting catalog", slog.Int("products", len(products)), slog.Int("variants", variants))

	return repo.Upsert(ctx, products)
}

func splitScopes(s string) []string {
	var out []string
	for _, scope := range strings.Split(s, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			out = append(out, scope)
		}
	}
	return out
}
