// Package notifications delivers pipeline events via ntfy.
//
// The implementation publishes to the topic configured in config.toml and
// degrades to a no-op when no topic is set. Step errors and batch summaries
// are the only events sent, each gated by its own config toggle, so operators
// hear about cases that need a reset without being paged for every success.
package notifications
