// Package ratelimit enforces per-second rate ceilings and per-month quotas.
//
// Limits are fixed windows keyed by subject: the organization for the plan
// ceilings and, when a key carries its own rate_limit_rps, the key. Every
// check is a single atomic increment-and-return against a CounterStore, then
// a compare against the ceiling. Three counter stores are provided:
//
//   - MemoryCounter: one mutex-guarded map, for single-process deployments.
//   - SQLiteCounter: an UPSERT ... RETURNING on the gateway database.
//   - RedisCounter: a Lua INCR plus PEXPIRE, for gateways sharing limits.
//
// Self-hosted mode runs the same path with unbounded ceilings, so counters
// still advance and operators still see traffic.
package ratelimit
