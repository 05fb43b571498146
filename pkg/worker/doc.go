// Package worker provides a bounded generic worker pool and an executor that
// runs callbacks on it.
//
// Submit never blocks: a full queue is reported with ErrQueueFull so the
// caller can pick a fallback. Executor uses that to run overflow tasks on
// their own goroutine, which keeps network read loops from stalling behind
// slow callbacks.
package worker
