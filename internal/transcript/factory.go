package transcript

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore returns a postgres-backed store when a pool is configured,
// otherwise an in-memory one. With redact set, entries are scrubbed of PII
// before they reach the backing store.
func NewStore(pool *pgxpool.Pool, redact bool) Store {
	var store Store
	if pool == nil {
		store = NewInMemoryStore()
	} else {
		store = NewPostgresStore(pool)
	}
	if redact {
		store = NewRedactingStore(store)
	}
	return store
}
