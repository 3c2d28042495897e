// Package agent contains the reference agent types run by the supervisor.
//
//   - echo (NewEcho): replies with the request text; useful for smoke tests
//     and client development.
//   - llm (NewModelConstructor): a model-driven agent with streaming output and
//     tool calling.
//
// Every agent here is built per run by a core.Constructor. Conversation
// buffers, call limiters and rendered instructions live on the instance and
// are dropped in Release, so nothing leaks between users or attempts.
package agent
