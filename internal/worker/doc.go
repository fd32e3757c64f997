// Package worker contains the consuming side of the engine: the per-slot
// execution engine that claims deliveries, runs registered handlers, and
// finalizes outcomes idempotently; the retry/dead-letter coordinator; the
// elastic worker pool; and the autoscaling control loop that resizes it.
package worker
