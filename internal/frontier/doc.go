// Package frontier owns the per-URL crawl state of one site: claiming work,
// recording visits and discoveries, detecting deleted pages, rescuing stuck
// claims and rolling crawl cycles.
//
// Claims and detector updates go straight to the store so concurrent workers
// see them immediately. Visits, artifact refs, change records, history and
// daily statistics are written behind through the batch writer. Hot records
// are served from an LRU cache that is invalidated on every write, and the
// per-status counts are an advisory in-memory mirror resynced from the store
// after bulk operations.
package frontier
