// Package runner invokes registered threads asynchronously.
//
// A Runner resolves a thread key through a registry.Registry, starts the
// execution on its own goroutine and returns the live event stream as a
// bounded channel. It bounds how many executions run at once and lets
// transports abort a run by id, for example when an SSE client disconnects.
//
//	ref, events, errs, err := r.Invoke(ctx, "support", trigger, engine.Params{})
//	if err != nil {
//	    return err
//	}
//	for ev := range events {
//	    render(ev)
//	}
//	if err := <-errs; err != nil {
//	    log.Printf("run %s failed: %v", ref.RunID, err)
//	}
package runner
