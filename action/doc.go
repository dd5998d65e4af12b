// Package action implements the capabilities a thread exposes to its
// reactor: named actions with a JSON schema, the per-iteration action Set,
// an approval flow for actions that must not run unattended and the
// Executor that runs one batch of tool calls with isolated failures.
//
// Action failures never abort an execution. Every call yields exactly one
// core.ToolExecutionResult, in call order, which the engine merges into the
// reaction item so the model sees the outcome on its next iteration.
package action
