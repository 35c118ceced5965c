package transcript

import (
	"context"
	"strings"
)

// Open picks the Postgres archive when a DSN is configured and the bounded
// in-memory one otherwise.
func Open(ctx context.Context, opts Options) (Store, error) {
	dsn := strings.TrimSpace(opts.DatabaseURL)
	if dsn != "" {
		return OpenPostgres(ctx, dsn)
	}
	return NewRingStore(opts.MaxRecordsPerSession), nil
}
