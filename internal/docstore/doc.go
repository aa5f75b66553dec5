// Package docstore is a document store on top of a version-controlled blob store.
//
// # Overview
//
// Each collection is one JSON array of [Record] values stored as a single blob
// at <basePath>/<collection>.json. [Store] provides record CRUD with schema
// validation, identifier assignment and an in-memory [AuditLog]; [Query] is a
// lazy, chainable read-side view.
//
// # Concurrency: Optimistic Locking
//
// Every mutation re-reads the whole collection together with its
// [blobstore.Version], applies the change and writes the result back
// conditioned on that version. If another writer changed the blob in the
// meantime the write is rejected and the mutation fails with [ErrConflict].
// Nothing is retried internally; callers can use [RetryOnConflict].
//
// No collection is cached between calls. In-process callers can additionally
// be serialized per collection with [WithCollectionLocks].
//
// # Identifiers
//
// Records carry "id", a decimal string one above the largest id of the
// collection, and "uid", a random UUID unique across all collections.
package docstore
