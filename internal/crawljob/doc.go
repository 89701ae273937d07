// Package crawljob defines the core types shared across the scheduling and
// execution engine: job payloads, queue entries, execution records, the error
// taxonomy, and the interfaces the queue, scheduler, worker pool, and tracker
// are composed from.
package crawljob
