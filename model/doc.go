// Package model defines the provider agnostic abstractions used by the
// model-backed reactor to talk to language models.
//
// Core goals:
//   - Unify streaming and non-streaming generation behind a single interface
//   - Normalize tool definitions and tool-call parts across vendors
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic) implement Model in sub packages so the
// engine and reactors stay decoupled from vendor SDKs.
package model
