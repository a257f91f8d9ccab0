// Package pgcheckpoint implements supervisor.CheckpointStore against
// PostgreSQL, for callers who need checkpoint durability to survive a
// process restart or to be shared across supervisor instances rather than
// living only on the local filesystem.
//
// It follows the same Querier-over-pgx shape as providers/memory/pgmemory:
// both *pgxpool.Pool and pgx.Tx satisfy Querier, so callers can inject
// either a pool or a single transaction.
package pgcheckpoint
