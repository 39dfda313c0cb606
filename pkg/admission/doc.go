// Package admission implements the tiered rate-limiting and quota-accounting
// engine behind the BrandGate API.
//
// For every inbound call bound to an API credential the engine decides admit
// or deny, and durably tracks consumption across three overlapping horizons:
//
//   - a short rolling window (per-tier length and request limit),
//   - a calendar month (quota plus a grace overrun percentage),
//   - purchased add-on blocks of supplemental capacity.
//
// The decision algorithm evaluates the monthly ledger first: a credential
// past its grace limit is hard-denied regardless of window state. Otherwise
// the rolling window is charged with a single atomic increment-if-below-limit
// operation; an exhausted window falls back to the credential's active add-on
// blocks, consumed oldest-expiring-first.
//
// All counter mutations are single atomic operations issued against a Store
// implementation (see storage/memory, storage/postgres, storage/redis and
// storage/firestore). Window identity is a pure function of time and tier, so
// concurrent requests racing to create a counter always agree on which row
// they are racing for; the Store contract resolves that race without losing
// increments.
//
// When the backing store is unreachable the engine fails open: the request is
// admitted, the decision carries WarnFailOpen, and the event is logged and
// counted. Availability of primary traffic is deliberately prioritized over
// perfect enforcement.
package admission
