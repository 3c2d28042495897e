// Package model defines the provider-agnostic generation interface used by
// the llm agent, plus a scripted MockModel for tests.
//
// Providers (model/anthropic, model/openai) adapt vendor SDKs to Model so
// agents stay decoupled from them. Generate streams partial text chunks
// followed by one final Response carrying the complete text and any tool
// calls.
package model
