// Package core provides the incremental sync and reconciliation engine.
//
// This package holds all domain logic independent of any transport or
// storage backend. Stores, sources and the HTTP layer plug in through the
// interfaces declared in interfaces.go.
//
// # Architecture
//
// A sync cycle moves one worksheet tail into the target store:
//
//   - Cursor Store: per-mapping watermark of consumed rows ([CursorStore]).
//   - Source Reader: fetches rows from the cursor onward ([SourceReader]).
//   - Normalizer: turns raw rows into a [Batch] keyed by header labels.
//   - Reconciler: plans and applies inserts/updates ([Reconciler]).
//   - Engine: drives one cycle end to end ([Engine.RunCycle]).
//
// # Cycle States
//
// Each cycle walks IDLE, FETCHING, NORMALIZING, RECONCILING, COMMITTING,
// ADVANCING and DONE. Any error before the cursor advance moves it to FAILED
// and leaves the cursor where it was, so the next due signal refetches the
// same rows.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages using [MapError].
// Each error category has a code for support reference:
//
//   - SRC001-SRC003: Source errors (unavailable, not found, timeouts)
//   - KEY001-KEY002: Upsert key errors (ambiguous, missing)
//   - CUR001: Concurrent cursor advance
//   - TGT001-TGT002: Target store errors
//   - CFG001: Mapping configuration errors
//
// # Audit
//
// Every cycle, successful or not, produces exactly one [AuditRecord]. Audit
// write failures are logged and never fail the cycle.
package core
