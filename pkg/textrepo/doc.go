// Package textrepo provides a repository for versioned file contents
// identified by SHA-224 digest, with synchronized propagation of every new
// version into one or more search indexes.
//
// It exposes a single Service interface that orchestrates content
// deduplication, the version lifecycle (create, find latest, delete with
// conditional reclamation of orphaned contents), idempotent imports and the
// indexer fan-out. Implementations of the Repository contract (memory,
// Postgres, SQLite) live under repo/, index backends and the fan-out
// coordinator under index/.
//
// Contents Lifecycle
//
// Contents rows are keyed by the digest of their bytes and are shared by all
// versions that carry identical bytes. A contents row is created lazily on
// first reference and removed only when the last version referencing it is
// deleted. Whether a digest is still referenced is decided by the store at
// delete time, inside one transaction, never by a counter kept in process.
//
// Latest Version
//
// The latest version of a file is not stored. It is the version with the
// greatest creation time (ties broken by id) and is always computed by a
// query, so concurrent uploads never disagree about a cached pointer.
package textrepo
