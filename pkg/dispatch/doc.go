// Package dispatch drives many package builds through a fixed pipeline of
// phases against two slow external services: a build-execution service
// (Builder) and a version-controlled artifact repository (Repository).
//
// # Phases
//
// Every job moves forward through start, monitor, commit and optionally
// promote. Each phase has its own PhaseManager, which runs one worker
// goroutine per unit of work, and its own SlotPool, which bounds how many
// units may be in flight at once. Start and monitor share the build pool.
//
// # Control loop
//
// A dispatch is owned by a single control loop. Once per poll interval it
// admits queued jobs, drains each phase's results without blocking, retries
// failed calls while the RetryPolicy allows it, asks the CommitPolicy which
// built jobs may be committed, schedules promotion, and checks whether every
// job has settled. Job records are never touched by any other goroutine.
//
// # Commit policies
//
//   - Immediate commits each job alone as soon as it is built.
//   - DeferredBatch waits for every build and commits them together; any
//     failure aborts the dispatch and nothing is committed.
//   - MultiVersion commits versions of one package in submission order
//     (FirstReady or WaitForAll). A commit failure cascades to every later
//     uncommitted version of the same package.
//
// # Usage Example
//
//	d := dispatch.New(builder, repo, logger,
//	    dispatch.WithMaxBuilds(4),
//	    dispatch.WithCommitPolicy(dispatch.MultiVersion{Mode: dispatch.FirstReady}),
//	    dispatch.WithPromotion("candidate", "stable"))
//
//	results, failures, err := d.BuildMany(ctx, specs)
//
// For callers that discover work while a dispatch is already running, Start
// returns a Local whose Build method submits one job at a time.
package dispatch
