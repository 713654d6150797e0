// Package events publishes agent lifecycle events (start, exit, upgrade and
// script-defined events) to an in-memory buffer and optionally to Redis and
// RabbitMQ.
package events
