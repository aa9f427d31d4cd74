// Package toolrunner validates and executes the tool calls a model
// response requests.
//
// Invariants:
// - ExecuteAll returns exactly one message per requested call, in request
//   order.
// - A failing call never aborts the batch; its message carries the error.
// - Handler failures are retried with exponential backoff; unknown tools
//   and argument validation failures are permanent.
// - Usage persistence is fire-and-forget and can never fail the batch.
package toolrunner
