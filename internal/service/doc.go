// Package service implements the batch supervision of analysis jobs.
//
// The Coordinator discovers inputs, claims each of them once and runs the
// job through one of three paths selected by model.TimeoutMode:
//
//   - none: Runner.Run in the calling goroutine
//   - soft: SoftSupervisor runs the Runner on a worker goroutine and stops
//     waiting after the budget, the job context gets canceled
//   - hard: HardSupervisor re-executes the program (hidden _analyze command)
//     wrapped in `timeout -s KILL`, the OS kills the whole process tree
//
// Data flow:
//
//	Coordinator          Claimer          Supervisor           Runner / child
//	    |                   |                  |                     |
//	Inputs() -> entry       |                  |                     |
//	    | Claim(name) ----->|                  |                     |
//	    |<-- nil/ErrClaimed |                  |                     |
//	    | dispatch(job) ---------------------->| Run / exec -------->|
//	    |                   |                  |<------ Result ------|
//	    |<----------- Result / HardResult -----|                     |
//	    | report.Render + FreeOSMemory         |                     |
//
// Invariants:
//
//   - Jobs run strictly one after another within one process.
//   - A claim is never removed, a killed coordinator leaves its input
//     claimed and a restarted one skips it.
//   - A report file is created exclusively and never rewritten.
//   - Soft cancellation is advisory, hard termination is unconditional.
//   - One job failing or timing out never ends the batch.
package service
