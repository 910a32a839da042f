package dispatch

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloud-shuttle/conductor/internal/llm"
	"github.com/cloud-shuttle/conductor/pkg/telemetry"
)

const (
	maxAttempts    = 3
	baseBackoff    = time.Second
	maxBackoff     = 30 * time.Second
	defaultTimeout = 5 * time.Minute
)

// Dispatcher fans a batch of worker calls out to the model gateway,
// never running more than maxParallel at once.
type Dispatcher struct {
	invoker     llm.Invoker
	maxParallel int
	callTimeout time.Duration

	active atomic.Int32
}

// Config configures a Dispatcher
type Config struct {
	MaxParallel int
	CallTimeout time.Duration
}

// NewDispatcher creates a dispatcher over the given invoker
func NewDispatcher(invoker llm.Invoker, cfg Config) *Dispatcher {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultTimeout
	}
	return &Dispatcher{
		invoker:     invoker,
		maxParallel: cfg.MaxParallel,
		callTimeout: cfg.CallTimeout,
	}
}

// ActiveWorkers returns the number of calls currently in flight
func (d *Dispatcher) ActiveWorkers() int {
	return int(d.active.Load())
}

// Dispatch runs every call in the batch and returns one result per
// call, ordered by call index. It blocks until the whole batch is
// done or ctx is cancelled; cancelled calls still yield results.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, calls []WorkerCall) []CallResult {
	if len(calls) == 0 {
		return nil
	}

	ctx, span := telemetry.StartDispatchSpan(ctx, taskID, len(calls), d.maxParallel)
	defer span.End()

	log.Printf("🚀 Dispatching %d worker call(s) (max parallel: %d)", len(calls), d.maxParallel)

	sem := make(chan struct{}, d.maxParallel)
	results := make([]CallResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(slot int, call WorkerCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[slot] = CallResult{
					Index:   call.Index,
					ModelID: call.ModelID,
					Error:   ctx.Err().Error(),
				}
				return
			}

			d.active.Add(1)
			defer d.active.Add(-1)

			results[slot] = d.runCall(ctx, call)
		}(i, call)
	}
	wg.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].Index < results[b].Index })
	return results
}

// runCall executes one call with retry on transient failures
func (d *Dispatcher) runCall(ctx context.Context, call WorkerCall) CallResult {
	start := time.Now()
	result := CallResult{Index: call.Index, ModelID: call.ModelID}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		inv, err := d.invoker.Invoke(callCtx, call.ModelID, call.Prompt, call.Params)
		cancel()

		if err == nil {
			result.Success = true
			result.Output = inv.Text
			result.Cost = inv.Cost
			result.ElapsedMs = time.Since(start).Milliseconds()
			return result
		}

		lastErr = err
		if !llm.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			backoff := backoffFor(attempt)
			log.Printf("⚠️  Worker call %d (%s) attempt %d failed, retrying in %s: %v",
				call.Index, call.ModelID, attempt, backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				result.ElapsedMs = time.Since(start).Milliseconds()
				return result
			}
		}
	}

	result.Error = lastErr.Error()
	result.ElapsedMs = time.Since(start).Milliseconds()
	return result
}

func backoffFor(attempt int) time.Duration {
	backoff := baseBackoff << (attempt - 1)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
