// Package scheduler runs registered work items as jobs under a concurrency bound.
//
// One loop goroutine owns the job store and every dispatch decision. Public
// methods post closures to that loop and wait only for the state change, never
// for job execution. Each running job gets its own goroutine and its own
// cancellable context.
package scheduler
