// Package storage archives finished jobs and keeps notification dedup state
// across restarts.
//
// The scheduler never reads from here; job state is process-lifetime only.
package storage
