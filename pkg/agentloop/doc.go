// Package agentloop drives agent runs: iterative rounds of streamed model
// completions and tool execution, with handoffs between team agents and
// progress events on the session stream.
//
// Invariants:
// - Every run exit path clears the session's registry entry and publishes
//   exactly one terminal event before closing the stream.
// - The thinking boundary is announced once per completion, at the first
//   non-thinking chunk after thinking output.
// - The iteration budget always forces a final answer; a run never spins on
//   tool rounds indefinitely.
// - Tagged action text that does not parse fails the run rather than being
//   treated as prose.
package agentloop
