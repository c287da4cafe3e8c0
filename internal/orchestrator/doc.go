// Package orchestrator drives a plan from validated input to aggregated
// result. It owns all plan-level state; every other package answers questions
// or performs one step's work.
//
// # Execution Model
//
// A run proceeds in waves. Each wave is the current ready set: every
// non-terminal step whose dependencies have all completed. The wave is
// partitioned into a concurrent batch, fanned out under a bounded semaphore,
// and a sequential batch, executed in plan order with the remainder of the
// batch deferred after the first failure. Results are applied between waves
// on the orchestrating goroutine, so scheduling decisions never race with
// step execution.
//
//	ready set → partition → fan-out / in-order → fan-in → apply → next wave
//
// A step failure is contained: the failing step records its errors, its
// escalation flag is set once the retry budget is spent, and unrelated
// branches keep executing. The run only aborts early when the remaining
// steps can never become ready, either because they sit on a dependency
// cycle or behind a failed ancestor. That case returns ErrStructural
// alongside the partial result.
//
// # Checkpointing
//
// Each run gets a fresh checkpoint store keyed by the run id. Steps track
// file creations and modifications through it as they write. On a fully
// successful run the record is cleared; on any failure it stays on disk so
// the operator can inspect the output and roll back explicitly. Rollback is
// never triggered from here.
//
// # Usage
//
//	svc, err := orchestrator.New(cfg, renderer, gen, checks, scrubber, reporter, logger)
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	result, err := svc.ExecutePlan(ctx, p)
//	if errors.Is(err, orchestrator.ErrStructural) {
//	    // result holds the partial outcome; result.StructuralFailure names
//	    // the stuck steps.
//	}
//
// Reporter callbacks fire on plan start and finish and on every step start
// and finish. Reporter errors are logged and never fail the run.
package orchestrator
