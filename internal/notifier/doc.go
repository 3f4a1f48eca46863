// Package notifier delivers short job and log notifications to the desktop
// and to Telegram.
//
// # Pipeline
//
// Notify never blocks: a notification is deduplicated, then queued once per
// sink. A small worker pool drains the queue through a shared token bucket
// and retries failed sends with jittered exponential backoff. When the queue
// is full the notification is dropped and counted.
//
// # Job events
//
// JobWatcher subscribes to the scheduler's event bus and turns terminal
// status changes into notifications.
package notifier
