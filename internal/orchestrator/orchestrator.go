package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/graph"
	"github.com/fyrsmithlabs/marathon/internal/logging"
	"github.com/fyrsmithlabs/marathon/internal/memory"
)

const instrumentationName = "github.com/fyrsmithlabs/marathon/internal/orchestrator"

// Orchestrator owns every task started through it. Each task runs its
// phases in a goroutine of its own; tasks share only the message graph and
// the memory compressor.
type Orchestrator struct {
	port   capability.Port
	graph  *graph.Store
	memory *memory.Compressor
	logger *logging.Logger
	tracer trace.Tracer
	meter  metric.Meter
	now    func() time.Time

	metrics *metrics

	mu        sync.RWMutex
	config    Config
	runs      map[string]*run
	order     []string
	callbacks []EventCallback
	closed    bool
	wg        sync.WaitGroup
}

// run is one task and the handles to its pipeline.
type run struct {
	mu   sync.RWMutex
	task *Task

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) snapshot() *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.task.clone()
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Entries carry the task, phase and trace ids
// found on the context.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTelemetry sets the tracer and meter. Globals are used otherwise.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
		o.meter = meter
	}
}

// WithClock overrides the task and phase timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. A nil store or compressor gets an
// in-process default.
func New(port capability.Port, store *graph.Store, mem *memory.Compressor, cfg Config, opts ...Option) (*Orchestrator, error) {
	if port == nil {
		return nil, fmt.Errorf("%w: capability port is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		port:   port,
		graph:  store,
		memory: mem,
		logger: logging.NewNop(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		now:    time.Now,
		config: cfg.clone(),
		runs:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	o.metrics = newMetrics(o.meter)
	if o.graph == nil {
		o.graph = graph.NewStore()
	}
	if o.memory == nil {
		c, err := memory.NewCompressor(port, nil, memory.DefaultConfig(), memory.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		o.memory = c
	}
	return o, nil
}

// Graph returns the message store the orchestrator appends to.
func (o *Orchestrator) Graph() *graph.Store { return o.graph }

func (o *Orchestrator) settings() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config.clone()
}

// UpdateSettings replaces the configuration. Running tasks pick up pacing
// and the rejection policy at their next step; the phase catalogue only
// applies to tasks started afterwards.
func (o *Orchestrator) UpdateSettings(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.config = cfg.clone()
	o.mu.Unlock()
	o.logger.Info(context.Background(), "settings updated",
		zap.Bool("continue_on_rejected", cfg.ContinueOnRejected),
		zap.Duration("step_delay", cfg.StepDelay.Duration()),
		zap.Duration("phase_delay", cfg.PhaseDelay.Duration()),
		zap.Int("phases", len(cfg.Phases)),
	)
	return nil
}

// Start creates a task and runs its phases in the background. The pipeline
// outlives ctx's cancellation but keeps its values; use Stop to end it.
func (o *Orchestrator) Start(ctx context.Context, description string) (*Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("%w: task description is required", ErrInvalidInput)
	}
	cfg := o.settings()

	now := o.now()
	r := &run{
		task: newTask(newID(), description, cfg.Phases, now),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if err := r.task.advance(TaskInProgress, now); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShutdown
	}
	o.runs[r.task.ID] = r
	o.order = append(o.order, r.task.ID)
	o.wg.Add(1)
	o.mu.Unlock()

	snapshot := r.snapshot()
	ctx = logging.WithTaskID(ctx, snapshot.ID)
	o.metrics.taskStarted(ctx)
	o.logger.Info(ctx, "task started", zap.Int("phases", len(snapshot.Phases)))
	o.emitTask(ctx, snapshot, "task started")

	go o.execute(context.WithoutCancel(ctx), r)
	return snapshot, nil
}

// Stop requests cooperative cancellation. The capability call in flight
// finishes and is recorded; nothing further starts. Stopping a finished
// task is a no-op.
func (o *Orchestrator) Stop(taskID string) error {
	r, err := o.lookup(taskID)
	if err != nil {
		return err
	}
	r.stopOnce.Do(func() {
		close(r.stop)
		o.logger.Info(logging.WithTaskID(context.Background(), taskID), "task stop requested")
	})
	return nil
}

// Wait blocks until the task's pipeline has ended or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (*Task, error) {
	r, err := o.lookup(taskID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Task returns a copy of the task.
func (o *Orchestrator) Task(taskID string) (*Task, error) {
	r, err := o.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Tasks returns copies of all tasks in start order.
func (o *Orchestrator) Tasks() []*Task {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.order))
	for _, id := range o.order {
		runs = append(runs, o.runs[id])
	}
	o.mu.RUnlock()

	out := make([]*Task, len(runs))
	for i, r := range runs {
		out[i] = r.snapshot()
	}
	return out
}

// Messages returns the task's message log in append order.
func (o *Orchestrator) Messages(taskID string) ([]graph.Message, error) {
	if _, err := o.lookup(taskID); err != nil {
		return nil, err
	}
	return o.graph.Messages(taskID), nil
}

// Memory returns the task's compressed memory, or nil before the first
// phase has finished.
func (o *Orchestrator) Memory(ctx context.Context, taskID string) (*memory.TaskMemory, error) {
	if _, err := o.lookup(taskID); err != nil {
		return nil, err
	}
	return o.memory.Memory(ctx, taskID)
}

// CompressedContext renders the task's memory as it would be given to the
// agents of phase beforePhase.
func (o *Orchestrator) CompressedContext(ctx context.Context, taskID string, beforePhase int) (string, error) {
	if _, err := o.lookup(taskID); err != nil {
		return "", err
	}
	return o.memory.CompressedContext(ctx, taskID, beforePhase), nil
}

// Evict discards a finished task with its messages and memory.
func (o *Orchestrator) Evict(ctx context.Context, taskID string) error {
	r, err := o.lookup(taskID)
	if err != nil {
		return err
	}
	if !r.finished() {
		return fmt.Errorf("%w: %s", ErrTaskRunning, taskID)
	}

	o.mu.Lock()
	delete(o.runs, taskID)
	for i, id := range o.order {
		if id == taskID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	o.graph.DropTask(taskID)
	if err := o.memory.Evict(ctx, taskID); err != nil {
		return fmt.Errorf("failed to evict memory for task %s: %w", taskID, err)
	}
	o.logger.Info(logging.WithTaskID(ctx, taskID), "task evicted")
	return nil
}

// Shutdown stops every task and waits for their pipelines to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	ids := append([]string(nil), o.order...)
	o.mu.Unlock()

	for _, id := range ids {
		_ = o.Stop(id)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) lookup(taskID string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return r, nil
}

// execute drives the task's phases in order.
func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer o.wg.Done()
	defer close(r.done)

	status, err := o.drive(ctx, r)
	o.finish(ctx, r, status, err)
}

func (o *Orchestrator) drive(ctx context.Context, r *run) (TaskStatus, error) {
	total := len(r.task.Phases)
	for i := 0; i < total; i++ {
		if r.stopped() {
			return TaskFailed, ErrCancelled
		}
		if i > 0 {
			if err := o.pause(ctx, r, o.settings().PhaseDelay.Duration()); err != nil {
				return TaskFailed, err
			}
		}

		p := newPhaseRun(o, r, i)
		status, err := p.run(ctx)
		if err != nil {
			return TaskFailed, err
		}
		if status == PhaseRejected && !o.settings().ContinueOnRejected {
			return TaskFailed, fmt.Errorf("%w: phase %d (%s)", ErrPhaseRejected, p.number, p.name)
		}
	}
	if r.stopped() {
		return TaskFailed, ErrCancelled
	}
	return TaskCompleted, nil
}

func (o *Orchestrator) finish(ctx context.Context, r *run, status TaskStatus, cause error) {
	r.mu.Lock()
	if cause != nil {
		r.task.Error = cause.Error()
	}
	err := r.task.advance(status, o.now())
	snapshot := r.task.clone()
	r.mu.Unlock()

	statusField := zap.String("status", string(snapshot.Status))
	switch {
	case err != nil:
		o.logger.Error(ctx, "task finish transition rejected", statusField, zap.Error(err))
	case cause == nil:
		o.logger.Info(ctx, "task completed", statusField)
	case errors.Is(cause, ErrCancelled), errors.Is(cause, ErrPhaseRejected):
		o.logger.Info(ctx, "task ended", statusField, zap.Error(cause))
	default:
		o.logger.Error(ctx, "task failed", statusField, zap.Error(cause))
	}

	o.metrics.taskFinished(ctx, snapshot.Status)
	o.emitTask(ctx, snapshot, snapshot.Error)
}

// pause waits d unless the task is stopped first. It is a suspension point
// and so also a cancellation check.
func (o *Orchestrator) pause(ctx context.Context, r *run, d time.Duration) error {
	if r.stopped() {
		return ErrCancelled
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-r.stop:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
