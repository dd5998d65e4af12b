// Package engine runs thread executions: the loop that turns one inbound
// trigger item into one or more reactions, executes the actions they call
// and persists every state transition.
//
// # Execution
//
// One call to Engine.React or Engine.Stream is one execution:
//
//  1. The context (and its thread) is resolved by id or key, or created.
//     The context moves to streaming and the thread follows.
//  2. The trigger item is persisted and an execution is opened with a
//     reserved reaction item id.
//  3. Iterations run strictly in sequence. Each one creates a step, builds
//     the reactor input from the Definition hooks and the stored timeline,
//     invokes the reactor, persists the reaction parts and runs the
//     requested actions.
//  4. The Definition's OnEnd and ShouldContinue hooks decide whether
//     another iteration runs, bounded by MaxIterations.
//  5. The reaction item is completed, the execution reaches completed or
//     failed and the context returns to open (or closed).
//
// A reactor, store or hook error fails the step and the execution. Action
// errors never do: they are recorded per call and shown to the model as
// tool errors on the next iteration.
//
// # Streaming
//
// Every creation and status change is written to the configured
// stream.Sink as a stream.Event, interleaved with chunk.emitted events
// carrying reactor output and engine markers (data-context-id,
// data-thread-ping, data-context-substate, tool-output-*, finish). The
// timeline can be replayed through stream.ValidateTimeline.
//
//	sink := stream.NewChannelSink(64)
//	go func() {
//	    for ev := range sink.Events() {
//	        render(ev)
//	    }
//	}()
//	res, err := eng.Stream(ctx, def, trigger, engine.Params{
//	    Options: engine.ReactOptions{Sink: sink},
//	})
//
// # Tracing and metrics
//
// With Options.Trace set, each context, run, execution, item, step, part,
// review and model call is also written as a trace.Record whose sequence
// number continues from the persisted run. Options.Metrics receives
// counters and histograms through OpenTelemetry.
//
// # Concurrency
//
// The engine holds no per-execution state. Executions on different
// contexts run in parallel; within one execution nothing runs
// concurrently except the tool calls of a single batch, bounded by the
// action executor.
package engine
