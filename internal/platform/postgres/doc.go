// Package postgres implements the external data collaborators the dispatch
// core calls: the quota lookup, task output persistence and usage records.
// Queries run against any DBTX, which *pgxpool.Pool and pgx.Tx both satisfy.
package postgres
