package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AppendFunc observes appended messages. It runs synchronously after the
// store lock is released.
type AppendFunc func(ctx context.Context, msg Message)

// Store is an append-only message log shared by all tasks. Appends from
// different tasks may run concurrently.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]Message
	byTask map[string][]string
	seq    uint64

	now       func() time.Time
	observers []AppendFunc
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		byID:   make(map[string]Message),
		byTask: make(map[string][]string),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnAppend registers an observer. Observers are not removed.
func (s *Store) OnAppend(fn AppendFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Append validates msg and adds it to the log. An empty ID is assigned a
// time-ordered UUID, a zero Timestamp is set to now, and Seq is always
// assigned by the store. The stored message is returned.
func (s *Store) Append(ctx context.Context, msg Message) (Message, error) {
	if msg.TaskID == "" {
		return Message{}, fmt.Errorf("%w: task id is required", ErrInvalidMessage)
	}
	if !msg.Role.Valid() {
		return Message{}, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	if msg.Phase < 1 {
		return Message{}, fmt.Errorf("%w: phase must be >= 1, got %d", ErrInvalidMessage, msg.Phase)
	}
	if msg.OriginalMessageID != "" && !msg.IsRevision {
		return Message{}, fmt.Errorf("%w: originalMessageId requires isRevision", ErrInvalidMessage)
	}
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		msg.ID = id.String()
	}

	s.mu.Lock()
	if _, exists := s.byID[msg.ID]; exists {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}
	if err := s.checkLinks(msg); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	s.seq++
	msg.Seq = s.seq
	msg = msg.clone()
	s.byID[msg.ID] = msg
	s.byTask[msg.TaskID] = append(s.byTask[msg.TaskID], msg.ID)
	observers := s.observers
	s.mu.Unlock()

	for _, fn := range observers {
		fn(ctx, msg.clone())
	}
	return msg.clone(), nil
}

// checkLinks enforces the reference invariants. Caller holds s.mu.
func (s *Store) checkLinks(msg Message) error {
	if msg.RespondsTo != "" {
		parent, ok := s.byID[msg.RespondsTo]
		switch {
		case !ok:
			return &IntegrityError{MessageID: msg.ID, Field: "respondsTo", Ref: msg.RespondsTo, Err: ErrDanglingReference}
		case parent.TaskID != msg.TaskID:
			return &IntegrityError{MessageID: msg.ID, Field: "respondsTo", Ref: msg.RespondsTo,
				Err: fmt.Errorf("%w: parent belongs to another task", ErrInvalidReference)}
		case parent.Phase > msg.Phase:
			return &IntegrityError{MessageID: msg.ID, Field: "respondsTo", Ref: msg.RespondsTo,
				Err: fmt.Errorf("%w: parent phase %d is after phase %d", ErrInvalidReference, parent.Phase, msg.Phase)}
		}
	}
	if msg.OriginalMessageID != "" {
		original, ok := s.byID[msg.OriginalMessageID]
		switch {
		case !ok:
			return &IntegrityError{MessageID: msg.ID, Field: "originalMessageId", Ref: msg.OriginalMessageID, Err: ErrDanglingReference}
		case original.TaskID != msg.TaskID || original.Phase != msg.Phase:
			return &IntegrityError{MessageID: msg.ID, Field: "originalMessageId", Ref: msg.OriginalMessageID,
				Err: fmt.Errorf("%w: original must share task and phase", ErrInvalidReference)}
		}
	}
	return nil
}

// Get returns a message by ID.
func (s *Store) Get(id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return msg.clone(), nil
}

// Messages returns a task's messages in append order.
func (s *Store) Messages(taskID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(taskID, func(Message) bool { return true })
}

// PhaseMessages returns a task's messages for one phase in append order.
func (s *Store) PhaseMessages(taskID string, phase int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(taskID, func(m Message) bool { return m.Phase == phase })
}

// Len returns the number of stored messages across all tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// DropTask discards every message of a finished task.
func (s *Store) DropTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byTask[taskID] {
		delete(s.byID, id)
	}
	delete(s.byTask, taskID)
}

// collect returns copies of matching messages. Caller holds s.mu.
func (s *Store) collect(taskID string, keep func(Message) bool) []Message {
	ids := s.byTask[taskID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if msg := s.byID[id]; keep(msg) {
			out = append(out, msg.clone())
		}
	}
	return out
}

// RootsForPhase returns the worker messages that start a new thread: no
// parent, not a revision, not an answer and not a retry.
func (s *Store) RootsForPhase(taskID string, phase int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(taskID, func(m Message) bool {
		return m.Phase == phase && isRoot(m)
	})
}

func isRoot(m Message) bool {
	return m.Role == RoleWorker &&
		m.RespondsTo == "" &&
		!m.IsRevision &&
		!m.IsAnswer() &&
		!m.IsRetry()
}

// BuildThread returns the root and every same-phase message linked to it
// through respondsTo or originalMessageId, ordered by timestamp then
// append order.
func (s *Store) BuildThread(rootID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.byID[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, rootID)
	}
	phase := s.collect(root.TaskID, func(m Message) bool { return m.Phase == root.Phase })
	return buildThread(root, phase), nil
}

func buildThread(root Message, phase []Message) []Message {
	children := make(map[string][]Message)
	for _, m := range phase {
		for _, parent := range parents(m) {
			children[parent] = append(children[parent], m)
		}
	}

	visited := map[string]bool{root.ID: true}
	thread := []Message{root.clone()}
	stack := []string{root.ID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range children[id] {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			thread = append(thread, child)
			stack = append(stack, child.ID)
		}
	}

	// Sweep in append order for anything whose parent joined the thread
	// but was not reached above.
	for _, m := range phase {
		if visited[m.ID] {
			continue
		}
		for _, parent := range parents(m) {
			if visited[parent] {
				visited[m.ID] = true
				thread = append(thread, m)
				break
			}
		}
	}

	sortMessages(thread)
	return thread
}

func parents(m Message) []string {
	var out []string
	if m.RespondsTo != "" {
		out = append(out, m.RespondsTo)
	}
	if m.OriginalMessageID != "" && m.OriginalMessageID != m.RespondsTo {
		out = append(out, m.OriginalMessageID)
	}
	return out
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}

// Forest returns every thread of a phase, one per root, in root order.
func (s *Store) Forest(taskID string, phase int) []Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.collect(taskID, func(m Message) bool { return m.Phase == phase })
	var threads []Thread
	for _, m := range msgs {
		if isRoot(m) {
			threads = append(threads, Thread{Root: m, Messages: buildThread(m, msgs)})
		}
	}
	return threads
}

// Revision joins a message with its originalMessageId target. Original is
// nil for messages that are not revisions.
func (s *Store) Revision(id string) (RevisionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byID[id]
	if !ok {
		return RevisionView{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	view := RevisionView{Revision: msg.clone()}
	if msg.OriginalMessageID != "" {
		if original, ok := s.byID[msg.OriginalMessageID]; ok {
			o := original.clone()
			view.Original = &o
		}
	}
	return view, nil
}
