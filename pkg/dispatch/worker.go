package dispatch

import (
	"context"
	"fmt"
	"time"
)

// Call is the single blocking call a PhaseWorker makes against a collaborator.
// logf forwards a log line to the manager.
type Call[In, Out any] func(ctx context.Context, in In, logf func(string)) (Out, error)

// worker executes one Call for one key and reports exactly one outcome.
type worker[K comparable, In, Out any] struct {
	phase   Phase
	key     K
	input   In
	call    Call[In, Out]
	timeout time.Duration
	out     chan<- Message[K, Out]
}

// run never returns an error: every failure, including a panic inside the
// call, becomes a MessageError. MessageDone is always sent last.
func (w *worker[K, In, Out]) run(ctx context.Context) {
	defer func() {
		w.out <- Message[K, Out]{Kind: MessageDone, Phase: w.phase, Key: w.key}
	}()
	defer func() {
		if r := recover(); r != nil {
			w.out <- Message[K, Out]{
				Kind:  MessageError,
				Phase: w.phase,
				Key:   w.key,
				Err:   fmt.Errorf("panic in %s worker: %v", w.phase, r),
			}
		}
	}()

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	logf := func(line string) {
		w.out <- Message[K, Out]{Kind: MessageLog, Phase: w.phase, Key: w.key, Log: line}
	}

	result, err := w.call(ctx, w.input, logf)
	if err != nil {
		w.out <- Message[K, Out]{Kind: MessageError, Phase: w.phase, Key: w.key, Err: err}
		return
	}
	w.out <- Message[K, Out]{Kind: MessageData, Phase: w.phase, Key: w.key, Payload: result}
}
