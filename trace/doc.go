// Package trace records structured, ordered trace records for every
// lifecycle event of a thread execution.
//
// Each record belongs to a workflow run and carries a stable event id
// (thread_step:<id>, thread_part:<stepId>:<idx>, ...) so that replays of the
// same logical event overwrite rather than duplicate. The Recorder assigns
// a per-run sequence number that continues from the highest value already
// persisted for that run, which keeps ordering intact across process
// restarts. Step records also produce spans.
//
// Tracing never breaks an execution: write failures are logged and dropped
// unless the Recorder is strict.
package trace
