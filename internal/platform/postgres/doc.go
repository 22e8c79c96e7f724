// Package postgres provides a PostgreSQL implementation of store.KV. Entries
// live in a single kv_entries table whose schema is managed by embedded goose
// migrations.
package postgres
