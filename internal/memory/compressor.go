package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/graph"
	"github.com/fyrsmithlabs/marathon/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/marathon/internal/memory"

// contextReadTimeout bounds store reads made while rendering context.
const contextReadTimeout = 5 * time.Second

// Compressor maintains TaskMemory and renders compressed context. Updates
// to the same task are serialized; different tasks never block each other.
type Compressor struct {
	port   capability.Port
	store  Store
	config Config
	locks  *keyedMutex
	logger *logging.Logger
	now    func() time.Time

	tracer         trace.Tracer
	updateDuration metric.Float64Histogram
	summaryErrors  metric.Int64Counter
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Compressor) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the LastUpdated source.
func WithClock(now func() time.Time) Option {
	return func(c *Compressor) { c.now = now }
}

// WithTelemetry sets the tracer and meter. Globals are used otherwise.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(c *Compressor) {
		c.tracer = tracer
		c.initMetrics(meter)
	}
}

// NewCompressor creates a Compressor that summarizes through port and
// persists to store.
func NewCompressor(port capability.Port, store Store, cfg Config, opts ...Option) (*Compressor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memory config: %w", err)
	}
	if store == nil {
		store = NewMemStore()
	}
	c := &Compressor{
		port:   port,
		store:  store,
		config: cfg,
		locks:  newKeyedMutex(),
		logger: logging.NewNop(),
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	c.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("memory")
	return c, nil
}

func (c *Compressor) initMetrics(meter metric.Meter) {
	var err error
	c.updateDuration, err = meter.Float64Histogram(
		"marathon.memory.update.duration",
		metric.WithDescription("Duration of task memory updates"),
		metric.WithUnit("s"),
	)
	if err != nil {
		c.updateDuration = nil
	}
	c.summaryErrors, err = meter.Int64Counter(
		"marathon.memory.summary.errors.total",
		metric.WithDescription("Task summaries that fell back after a capability failure"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		c.summaryErrors = nil
	}
}

// Update recomputes the task's memory from the full message log. The
// summary, decisions, digests and corrections are derived in parallel;
// a failed summary falls back to the previous summary or the description
// without affecting the rest. Only store errors are returned.
func (c *Compressor) Update(ctx context.Context, taskID, description string, phases []PhaseInfo, msgs []graph.Message) (*TaskMemory, error) {
	ctx = logging.WithTaskID(ctx, taskID)
	ctx, span := c.tracer.Start(ctx, "memory.update", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.Int("messages", len(msgs)),
	))
	defer span.End()
	start := time.Now()

	unlock := c.locks.Lock(taskID)
	defer unlock()

	previous, err := c.store.Get(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load memory")
		return nil, fmt.Errorf("loading memory for %s: %w", taskID, err)
	}
	previousSummary := ""
	if previous != nil {
		previousSummary = previous.TaskSummary
	}

	var (
		summary     string
		decisions   []KeyDecision
		digests     map[int]string
		corrections []SelfCorrection
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		summary = c.summarize(gctx, description, previousSummary, phases)
		return nil
	})
	g.Go(func() error {
		decisions = extractDecisions(phases, msgs, c.config.MaxDecisions)
		return nil
	})
	g.Go(func() error {
		digests = phaseDigests(phases, msgs)
		return nil
	})
	g.Go(func() error {
		corrections = extractCorrections(msgs, c.config.MaxCorrections)
		return nil
	})
	_ = g.Wait()

	mem := &TaskMemory{
		TaskID:          taskID,
		TaskSummary:     summary,
		KeyDecisions:    decisions,
		PhaseSummaries:  digests,
		SelfCorrections: corrections,
		LastUpdated:     c.now(),
	}
	if err := c.store.Put(ctx, mem); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store memory")
		return nil, fmt.Errorf("storing memory for %s: %w", taskID, err)
	}

	if c.updateDuration != nil {
		c.updateDuration.Record(ctx, time.Since(start).Seconds())
	}
	c.logger.Debug(ctx, "task memory updated",
		zap.Int("decisions", len(decisions)),
		zap.Int("phase_summaries", len(digests)),
		zap.Int("corrections", len(corrections)),
	)
	return mem.Clone(), nil
}

func (c *Compressor) summarize(ctx context.Context, description, previous string, phases []PhaseInfo) string {
	fallback := previous
	if fallback == "" {
		fallback = description
	}

	summary, err := capability.Summarize(ctx, c.port, summaryPrompt(description, previous, phases, c.config.SummaryWords))
	if err != nil {
		c.logger.Warn(ctx, "task summary failed, keeping previous summary", zap.Error(err))
		if c.summaryErrors != nil {
			c.summaryErrors.Add(ctx, 1)
		}
		return fallback
	}
	summary = truncateWords(summary, c.config.SummaryWords)
	if summary == "" {
		return description
	}
	return summary
}

func summaryPrompt(description, previous string, phases []PhaseInfo, words int) string {
	var b strings.Builder
	b.WriteString("Generate a concise task summary for long-term memory. It keeps context across hours or days of work.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", description)
	if previous != "" {
		fmt.Fprintf(&b, "Previous Summary: %s\n", previous)
	}
	b.WriteString("Phase Status:\n")
	for _, p := range phases {
		fmt.Fprintf(&b, "- Phase %d (%s): %s\n", p.Number, p.Name, p.Status)
	}
	fmt.Fprintf(&b, "\nWrite at most %d words covering the core objective, current progress, key insights and important constraints.\n", words)
	b.WriteString("Return JSON with a \"summary\" field.")
	return b.String()
}

// CompressedContext renders the task's memory for prompts about
// beforePhase. It reads the store and never calls the capability, so two
// calls without an intervening Update return the same text. It returns ""
// when no memory exists or the store cannot be read.
func (c *Compressor) CompressedContext(ctx context.Context, taskID string, beforePhase int) string {
	ctx, cancel := context.WithTimeout(ctx, contextReadTimeout)
	defer cancel()

	mem, err := c.store.Get(ctx, taskID)
	if err != nil {
		c.logger.Warn(logging.WithTaskID(ctx, taskID), "reading task memory failed", zap.Error(err))
		return ""
	}
	return render(mem, beforePhase)
}

// Memory returns the task's memory snapshot, or nil when none exists.
func (c *Compressor) Memory(ctx context.Context, taskID string) (*TaskMemory, error) {
	return c.store.Get(ctx, taskID)
}

// Evict drops the task's memory.
func (c *Compressor) Evict(ctx context.Context, taskID string) error {
	unlock := c.locks.Lock(taskID)
	defer unlock()
	return c.store.Delete(ctx, taskID)
}

// ThinkingLevels runs the hierarchical thinking pre-pass for a phase. A
// failed call yields no traces.
func (c *Compressor) ThinkingLevels(ctx context.Context, description string, phaseNumber int, phaseName, currentContext string) []capability.ThinkingTrace {
	traces, err := capability.Think(ctx, c.port, thinkingPrompt(description, phaseNumber, phaseName, currentContext))
	if err != nil {
		c.logger.Warn(logging.WithPhase(ctx, phaseNumber), "thinking levels failed", zap.Error(err))
		return nil
	}
	return traces
}

func thinkingPrompt(description string, phaseNumber int, phaseName, currentContext string) string {
	var b strings.Builder
	b.WriteString("Generate hierarchical thinking traces for a long-running autonomous task.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", description)
	fmt.Fprintf(&b, "Current Phase: %d - %s\n", phaseNumber, phaseName)
	if currentContext != "" {
		fmt.Fprintf(&b, "Current Context:\n%s\n", currentContext)
	}
	b.WriteString(`
Think at three levels:
1. STRATEGIC: the ultimate objective, success criteria and major risks.
2. TACTICAL: the approach for this phase and how it serves the overall goal.
3. OPERATIONAL: the concrete next steps and decisions needed now.

Return JSON with a "traces" array; each trace has level, reasoning, keyDecisions and dependencies.`)
	return b.String()
}
