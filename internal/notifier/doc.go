// Package notifier delivers reminder messages and their edits.
//
// Calls are synchronous: the caller gets the message id back and decides
// what to record. Every call passes a shared token bucket, is bounded by a
// per-call timeout and is retried with exponential backoff. A flood-wait
// reply from the platform overrides the backoff with the delay it asked
// for; unreachable chats are not retried.
package notifier
