// Package events publishes task lifecycle events to NATS.
//
// Events are published to subjects:
//   - {prefix}.{task_id}.task     task status changes
//   - {prefix}.{task_id}.phase    phase status changes
//   - {prefix}.{task_id}.message  every message appended to the graph
//
// The default prefix is "marathon.tasks", so a subscriber to
// "marathon.tasks.*.>" sees everything.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marathon/internal/graph"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

// Event types, also the last subject token.
const (
	TypeTask    = "task"
	TypePhase   = "phase"
	TypeMessage = "message"
)

// Envelope is the JSON payload of every published event.
type Envelope struct {
	Type        string              `json:"type"`
	TaskID      string              `json:"taskId"`
	Event       *orchestrator.Event `json:"event,omitempty"`
	Message     *graph.Message      `json:"message,omitempty"`
	PublishedAt time.Time           `json:"publishedAt"`
}

// Terminal reports whether the envelope ends its task's stream.
func (e Envelope) Terminal() bool {
	return e.Type == TypeTask && e.Event != nil && orchestrator.TaskStatus(e.Event.Status).Terminal()
}

// Publisher publishes orchestrator events and graph appends.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher creates a publisher on an open connection.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultConfig().SubjectPrefix
	}
	return &Publisher{
		nc:     nc,
		prefix: prefix,
		logger: logger.Named("events"),
		now:    time.Now,
	}
}

// Subject returns the subject for one task's events of a type. Pass "*"
// as typ to match every type.
func (p *Publisher) Subject(taskID, typ string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, taskID, typ)
}

// PublishEvent publishes a task or phase status change.
func (p *Publisher) PublishEvent(ctx context.Context, ev orchestrator.Event) error {
	typ := TypeTask
	if ev.Kind == orchestrator.EventPhase {
		typ = TypePhase
	}
	return p.publish(ctx, Envelope{Type: typ, TaskID: ev.TaskID, Event: &ev})
}

// PublishMessage publishes an appended message.
func (p *Publisher) PublishMessage(ctx context.Context, msg graph.Message) error {
	return p.publish(ctx, Envelope{Type: TypeMessage, TaskID: msg.TaskID, Message: &msg})
}

func (p *Publisher) publish(_ context.Context, env Envelope) error {
	env.PublishedAt = p.now()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", env.Type, err)
	}
	subject := p.Subject(env.TaskID, env.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", env.Type, err)
	}
	return nil
}

// Attach publishes every orchestrator event and graph append. Publish
// failures are logged; they never stall a task.
func (p *Publisher) Attach(o *orchestrator.Orchestrator) {
	o.OnEvent(func(ctx context.Context, ev orchestrator.Event) {
		if err := p.PublishEvent(ctx, ev); err != nil {
			p.logger.Warn("event publish failed", zap.String("task.id", ev.TaskID), zap.Error(err))
		}
	})
	o.Graph().OnAppend(func(ctx context.Context, msg graph.Message) {
		if err := p.PublishMessage(ctx, msg); err != nil {
			p.logger.Warn("message publish failed", zap.String("task.id", msg.TaskID), zap.Error(err))
		}
	})
}

// Subscribe delivers one task's events to a channel until the returned
// function is called.
func (p *Publisher) Subscribe(taskID string, ch chan *nats.Msg) (func(), error) {
	sub, err := p.nc.ChanSubscribe(p.Subject(taskID, "*"), ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe to task %s: %w", taskID, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Connect dials the broker with the configured reconnect policy.
func Connect(cfg Config, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("marathon"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Or(nats.DefaultReconnectWait)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return nc, nil
}
