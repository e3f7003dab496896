package history

import (
	"context"
	"fmt"
	"log/slog"
)

// Backends accepted by OpenStore.
const (
	BackendMemory   = "memory"
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// OpenStore opens the store for backend. path is used by the json and
// sqlite backends, dsn by postgres.
func OpenStore(ctx context.Context, backend, path, dsn string, logger *slog.Logger) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case "", BackendJSON:
		return OpenJSONFile(path, logger)
	case BackendSQLite:
		return OpenSQL(ctx, DialectSQLite, path)
	case BackendPostgres:
		return OpenSQL(ctx, DialectPostgres, dsn)
	default:
		return nil, fmt.Errorf("history: unknown backend %q", backend)
	}
}
