// Package errors provides the error classification used across the ingest
// pipeline and the signal store.
//
// # Error Classes
//
// Every error that crosses a component boundary falls into one of three classes:
//
//   - Transient: storage or transport faults. The message that triggered the
//     error is returned to the queue and redelivered.
//   - Invalid: the input itself is defective (unusable top-level payload,
//     bad configuration). Retrying cannot fix it.
//   - Fatal: the process cannot continue (missing configuration, store that
//     cannot be opened at startup).
//
// # Wrapping Pattern
//
// All wrapping follows "component.method: action failed: %w":
//
//	if err := tx.Commit(); err != nil {
//	    return nil, errors.WrapTransient(err, "Store", "BulkInsert", "commit transaction")
//	}
//
// Classification survives further wrapping with fmt.Errorf("...: %w"), so
// callers can use IsTransient / IsInvalid / IsFatal at any depth:
//
//	if errors.IsInvalid(err) {
//	    // dead-letter, never redeliver
//	}
//
// # Sentinels
//
// ErrMalformedMessage marks a payload whose top level is not a keyed mapping.
// ErrStoreClosed and ErrStoreUnavailable come from the signal store.
// The NATS client defines its own ErrNotConnected and ErrCircuitOpen.
package errors
