// Package storage provides the document store behind every coordination component.
//
// A Store is deliberately narrow: whole-document Get/Put/Delete keyed by
// (collection, id) plus an insertion-ordered List. Components never talk to a
// Store directly; they go through Collection[T], which serializes every
// read-modify-write on a collection so concurrent callers cannot lose updates.
//
// Drivers:
//   - "memory": process-local maps (tests, dry runs)
//   - "file": JSON snapshot + append-only journal, compacted periodically
//   - "sqlite": single-file SQLite database (modernc.org/sqlite, pure Go)
//   - "redis": hash + sorted set per collection
//   - "postgres": one JSONB table shared by all collections
package storage
