// Package events carries plugin lifecycle notifications.
//
// A Broadcaster fans typed events out to in-process subscribers without ever
// blocking the publisher. Three consumers hang off it:
//
//   - SSEHandler streams events to browsers at /plugin-events
//   - RedisRelay mirrors events between host instances over Redis pub/sub
//   - WebhookSink POSTs signed events to an external URL with retries
package events
