// Package ws is the WebSocket transport: a Hub that implements
// core.ConnectionRouter over gorilla/websocket connections, and a Server that
// speaks a small JSON protocol on top of it.
//
// A client first sends
//
//	{"type":"hello","user_id":"u-1"}
//
// which binds the connection to that user for its lifetime. Runs are then
// submitted with
//
//	{"type":"run","agent_type":"echo","thread_id":"t-1","input":"hi"}
//
// and the server answers with run_accepted followed by the run's events
// (run_started ... run_completed or run_failed). Every event is delivered only
// to the connection named in the run's ExecutionContext; a slow client whose
// send buffer overflows is evicted rather than served a stream with gaps.
package ws
