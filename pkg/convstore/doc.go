// Package convstore persists conversations in SQLite: the append-only
// message log, conversation summaries, the session links for each
// conversation, a capped scratchpad of agent working notes, and tool usage
// records.
//
// Invariants:
// - Messages for a conversation replay in append order.
// - The scratchpad never holds more than the configured window per
//   conversation.
// - Deleting a conversation cascades to everything attached to it.
package convstore
