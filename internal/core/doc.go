// Package core is the file ingestion pipeline: it receives uploads, stores
// their bytes, parses them in the background and reports progress.
//
// The package holds all domain logic independent of any transport. Web
// handlers, the CLI and tests drive it through [Service].
//
// # Lifecycle
//
// Every upload becomes a [FileRecord] that moves along a fixed set of
// states:
//
//	pending -> uploading -> stored -> parsing -> parsed
//	                                          \-> failed
//
// Any non-deleted state may move to deleted, and any state before parsed
// may fail. parsed, failed and deleted are terminal. [CanTransition]
// encodes the allowed edges and [RecordStore.Mutate] refuses anything
// else, including progress going backwards.
//
// # Progress
//
// Each committed change is published to the file's topic on the event bus
// while the record's lock is still held, so subscribers see events in the
// order the changes were made. Percent is split in two bands: receiving
// fills 0-49, a stored file is at 50, parsing fills 50-99 and only a parsed
// file reports 100.
//
// # Concurrency
//
// Records are locked per file; two uploads never wait on each other. The
// [UploadLimiter] bounds how many pipelines run at once, counting the
// background parse. Delete cancels a running pipeline and waits for it
// before the record turns deleted.
//
// # Error Handling
//
// Request failures wrap the sentinels in errors.go. Parse failures are
// asynchronous and only recorded on the file record. [MapError] turns any
// of them into a user message with a support code:
//
//   - REQ001-REQ006: request errors (validation, auth, not found, not ready)
//   - FILE001-FILE005: file errors (size, format, encoding, structure)
//   - UPL001-UPL005: pipeline errors (cancelled, busy, timeouts, restart)
//   - STO001, DB001-DB002: storage and database errors
package core
