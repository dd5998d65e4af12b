// Package reactor defines the one-turn contract between the engine loop and
// whatever produces an assistant reaction, plus three strategies:
//
//   - ModelReactor drives a model.Model (OpenAI, Anthropic, mock)
//   - Scripted replays canned reactions for deterministic tests
//   - Delegated hands the turn to an external agent process through a
//     TurnExecutor and maps its free-form result into an assistant item
//
// Reactors never persist anything. The engine owns items, steps and parts.
package reactor
