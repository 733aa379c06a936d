package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/persistence/memory"
	"github.com/dukex/flowrunner/pkg/persistence/postgresql"
)

// NewPersistence opens the persistence layer named by the URL scheme.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	provider := parsePersistenceProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger.With("module", "postgresql"), databaseURL)
		if err != nil {
			panic(err)
		}

		return p
	case "memory":
		logger.WarnContext(ctx, "using in-memory persistence, data is lost on exit")

		return memory.NewPersistence()
	default:
		panic("Unsupported persistence provider: " + provider)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return databaseURL
	}

	return provider
}
