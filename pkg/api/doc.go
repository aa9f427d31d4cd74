// Package api is the HTTP front door for agent sessions.
//
// POST /api/chat creates a session: a chat id, its event stream, and an
// agent run queued on the session's lane. GET /api/stream/{chat_id} tails
// the live stream over SSE; GET /api/ws/stream/{chat_id} is the same feed
// over WebSocket. GET /api/replay/stream/{chat_id} re-serves persisted
// history as events after the live session is gone. POST /api/stop/{chat_id}
// cancels a session and guarantees a terminal complete event on its stream.
// POST /api/input routes a human-in-the-loop value to a paused agent.
//
// A client holding a known chat id always sees a terminal complete or error
// event before its stream ends; unknown chat ids surface as a single error
// event on a cleanly closing stream rather than a transport fault.
package api
