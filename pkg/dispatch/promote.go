package dispatch

import (
	"log/slog"

	"github.com/google/uuid"
)

// promote is the per-tick promotion step. It runs after the commit phase and
// before the termination check, so a job that committed during this tick is
// already PROMOTING when settled is consulted.
func (r *run) promote() {
	if r.promotes == nil {
		return
	}

	for _, o := range r.promotes.DrainData() {
		batch := r.promoteBatches[o.Key]
		delete(r.promoteBatches, o.Key)
		r.release(r.promoteSlots)

		for _, j := range batch {
			j.Promoted = make(map[string]string, len(j.Result))
			for _, a := range j.Result {
				if promoted, ok := o.Value[a]; ok {
					j.Promoted[a] = promoted
				}
			}
			r.transition(j, StatePromoted, nil)
		}
	}

	for _, rej := range r.promotes.DrainErrors() {
		batch := r.promoteBatches[rej.Key]
		if rej.Retry {
			r.logger.Info("[Dispatcher] retrying promotion",
				slog.Int("jobs", len(batch)),
				slog.Int("failures", rej.Failures))
			r.promotes.Submit(rej.Key, artifactsOf(batch))
			continue
		}
		delete(r.promoteBatches, rej.Key)
		r.release(r.promoteSlots)
		for _, j := range batch {
			r.fail(j, StateFailedPromote, PhasePromote, rej.Err)
		}
	}

	// Only jobs whose commit produced artifacts are eligible; state alone is
	// not enough because the commit payload is what gets promoted.
	var ready []*Job
	for _, j := range r.order {
		if j.State == StateCommitted && len(j.Result) > 0 {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 || !r.promoteSlots.Acquire() {
		return
	}

	key := uuid.New().String()
	for _, j := range ready {
		r.transition(j, StatePromoting, nil)
	}
	r.promoteBatches[key] = ready
	r.promotes.Submit(key, artifactsOf(ready))
}

func artifactsOf(batch []*Job) []string {
	var all []string
	for _, j := range batch {
		all = append(all, j.Result...)
	}
	return all
}
