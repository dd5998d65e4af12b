// Package core provides the foundational domain types, contracts and
// persistence boundary of threadmesh. It defines:
//
//   - Threads, Contexts, Items, Executions, Steps and Parts (the durable
//     records one engine run reads and writes)
//   - The state contract: legal status transitions for every entity plus
//     the part key invariant
//   - The Store interface every persistence backend implements identically
//   - Tool-call plumbing that extracts invocation requests from assistant
//     parts and merges execution outcomes back into them
//   - ModelMessage, the provider-neutral history format handed to reactors
//
// The package performs no I/O. Concrete stores live under store/, the
// orchestration loop lives in engine/.
package core
