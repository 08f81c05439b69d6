// Package notifier delivers reminder and digest messages to chat
// destinations.
//
// A destination is a chat id, optionally followed by ":<thread id>" for
// forum topics. Sends go through a shared token bucket so bursts of
// reminders stay under the transport's flood limits. A send that the
// transport rejects with a rate-limit error is retried after the delay the
// transport asked for; other failures follow exponential backoff with
// jitter, up to RetryMax extra attempts.
//
// Notify is synchronous. Callers already run on task engine workers, so
// the notifier keeps no queue of its own.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recent deliveries.
package notifier
