package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/persistence/file"
	"github.com/fluxor-io/fluxor/pkg/persistence/postgresql"
)

// NewPersistence selects the storage backend from the database URL scheme.
// postgres:// and postgresql:// open the SQL repositories and run pending
// migrations; anything else is treated as a directory for file persistence.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		persist, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to open postgres persistence: %w", err))
		}

		return persist
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}
