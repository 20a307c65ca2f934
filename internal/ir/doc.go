// Package ir holds the canonical value model and the shared record types of
// the warden ledger.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key constraints:
//   - no float or null values (hash determinism)
//   - all hashing goes through MarshalCanonical (RFC 8785) and a domain prefix
//   - JSON tags use snake_case
package ir
