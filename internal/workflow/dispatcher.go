package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/metrics"
	"github.com/jorgeraad/leafai/internal/registry"
)

// ErrShuttingDown is returned by Start and Resume after Shutdown was called.
var ErrShuttingDown = errors.New("workflow: dispatcher is shutting down")

const completeTimeout = 10 * time.Second

// Dispatcher starts pipelines as runs and hands out handles to them.
// Runs execute on the dispatcher's own context, never on the caller's, so a
// caller going away does not cancel a run.
type Dispatcher struct {
	registry     registry.Registry
	checkpoints  CheckpointStore
	metrics      *metrics.Metrics
	runTimeout   time.Duration
	retryBackoff time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRunTimeout bounds the wall-clock time of every run.
func WithRunTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.runTimeout = d }
}

// WithRetryBackoff sets the base delay between step attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.retryBackoff = d }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(disp *Dispatcher) { disp.metrics = m }
}

// NewDispatcher creates a dispatcher over a run registry and checkpoint store.
func NewDispatcher(reg registry.Registry, checkpoints CheckpointStore, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:     reg,
		checkpoints:  checkpoints,
		retryBackoff: 200 * time.Millisecond,
		baseCtx:      ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the run registry backing the dispatcher.
func (d *Dispatcher) Registry() registry.Registry {
	return d.registry
}

type startConfig struct {
	runID string
}

// StartOption configures a single Start call.
type StartOption func(*startConfig)

// WithRunID uses a caller-allocated run id.
func WithRunID(id string) StartOption {
	return func(c *startConfig) { c.runID = id }
}

// Start registers a new run, begins executing p in the background and
// returns immediately.
func (d *Dispatcher) Start(ctx context.Context, p *Pipeline, args any, opts ...StartOption) (*Handle, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	cfg := startConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = domain.NewRunID()
	}

	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: encode run args: %v", domain.ErrInvalidArgument, err)
	}

	if err := d.acquire(); err != nil {
		return nil, err
	}
	if err := d.registry.Create(ctx, cfg.runID); err != nil {
		d.wg.Done()
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := d.checkpoints.SaveStep(ctx, cfg.runID, p.Name, argsStep, rawArgs); err != nil {
		log.Printf("WARN: failed to checkpoint args of run %s: %v", cfg.runID, err)
	}

	st := d.newState(cfg.runID, rawArgs)
	d.metrics.RunStarted()
	go d.execute(p, st)

	return d.handle(cfg.runID), nil
}

// Resume continues a run whose process went away before it finished. Steps
// with a checkpoint are skipped. Resuming a terminal run only returns its
// handle.
func (d *Dispatcher) Resume(ctx context.Context, p *Pipeline, runID string) (*Handle, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	run, err := d.registry.Get(ctx, runID)
	missing := errors.Is(err, domain.ErrNotFound)
	if err != nil && !missing {
		return nil, err
	}
	if run != nil && run.Status.IsTerminal() {
		return d.handle(runID), nil
	}

	saved, err := d.checkpoints.LoadSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	rawArgs, ok := saved[argsStep]
	if !ok {
		return nil, fmt.Errorf("run %s has no saved args: %w", runID, domain.ErrNotFound)
	}
	if missing {
		// The registry is not durable; the log starts over.
		if err := d.registry.Create(ctx, runID); err != nil && !errors.Is(err, registry.ErrRunExists) {
			return nil, fmt.Errorf("recreate run: %w", err)
		}
	}

	if err := d.acquire(); err != nil {
		return nil, err
	}
	st := d.newState(runID, rawArgs)
	for _, step := range p.Steps {
		if out, ok := saved[step.Name]; ok {
			st.outputs[step.Name] = out
			st.restored[step.Name] = true
		}
	}
	log.Printf("INFO: resuming run %s (%d of %d steps checkpointed)", runID, len(st.restored), len(p.Steps))
	d.metrics.RunStarted()
	go d.execute(p, st)

	return d.handle(runID), nil
}

// GetRun returns a handle to an existing run.
func (d *Dispatcher) GetRun(ctx context.Context, runID string) (*Handle, error) {
	if _, err := d.registry.Get(ctx, runID); err != nil {
		return nil, err
	}
	return d.handle(runID), nil
}

// Shutdown stops accepting runs and waits for in-flight runs to finish. When
// ctx expires first, in-flight runs are cancelled and fail.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrShuttingDown
	}
	d.wg.Add(1)
	return nil
}

func (d *Dispatcher) newState(runID string, args json.RawMessage) *State {
	return &State{
		runID:    runID,
		args:     args,
		registry: d.registry,
		onAppend: func(ev domain.Event) { d.metrics.EventAppended(string(ev.Type())) },
		outputs:  make(map[string]json.RawMessage),
		restored: make(map[string]bool),
	}
}

func (d *Dispatcher) handle(runID string) *Handle {
	return &Handle{RunID: runID, registry: d.registry}
}

func (d *Dispatcher) execute(p *Pipeline, st *State) {
	defer d.wg.Done()
	started := time.Now()

	ctx := d.baseCtx
	if d.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.runTimeout)
		defer cancel()
	}

	result := d.runSteps(ctx, p, st)

	// The terminal write must land even when the run context expired.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()
	if err := d.registry.Complete(cctx, st.runID, result); err != nil {
		log.Printf("ERROR: failed to complete run %s: %v", st.runID, err)
	}
	d.metrics.RunFinished(string(result.Status()), time.Since(started))
	log.Printf("INFO: run %s finished: status=%s message=%s", st.runID, result.Status(), result.MessageID)
}

func (d *Dispatcher) runSteps(ctx context.Context, p *Pipeline, st *State) domain.RunResult {
	for _, step := range p.Steps {
		if st.hasOutput(step.Name) {
			continue
		}
		out, err := d.runStep(ctx, st, step)
		if err != nil {
			return d.fail(ctx, p, st, step.Name, err)
		}
		data, err := json.Marshal(out)
		if err != nil {
			return d.fail(ctx, p, st, step.Name, fmt.Errorf("encode output: %w", err))
		}
		st.setOutput(step.Name, data)
		if err := d.checkpoints.SaveStep(ctx, st.runID, p.Name, step.Name, data); err != nil {
			log.Printf("WARN: failed to checkpoint step %s of run %s: %v", step.Name, st.runID, err)
		}
	}

	if p.Outcome == nil {
		return domain.RunResult{Success: true}
	}
	result, err := p.Outcome(st)
	if err != nil {
		return d.fail(ctx, p, st, "outcome", err)
	}
	return result
}

func (d *Dispatcher) runStep(ctx context.Context, st *State, step Step) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= step.Retries; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: retrying step %s of run %s (attempt %d): %v", step.Name, st.runID, attempt+1, lastErr)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("step %s: %w", step.Name, ctx.Err())
			case <-time.After(d.retryBackoff * time.Duration(attempt)):
			}
		}
		out, err := invoke(ctx, st, step)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("step %s: %w", step.Name, lastErr)
}

func invoke(ctx context.Context, st *State, step Step) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Run(ctx, st)
}

func (d *Dispatcher) fail(ctx context.Context, p *Pipeline, st *State, step string, err error) domain.RunResult {
	log.Printf("ERROR: run %s failed at step %s: %v", st.runID, step, err)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()
	if p.OnFailure != nil {
		p.OnFailure(fctx, st, step, err)
	}
	if !st.emittedError() {
		if emitErr := st.Emit(fctx, domain.ErrorEvent{Message: p.failureMessage()}); emitErr != nil {
			log.Printf("ERROR: failed to append error event to run %s: %v", st.runID, emitErr)
		}
	}
	return domain.RunResult{Success: false, Error: err.Error()}
}
