// Package bus implements the routed, correlated request/response message bus
// the orchestrator and its four workers communicate over (spec §4.1). The
// bus is the only component that touches the pending-request table, message
// history, and subscription table; workers never reach into those directly
// (spec §5).
package bus

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/ring"
	"github.com/RealOrko/claude-looper-sub000/telemetry"
)

// Kind classifies a bus-level failure (spec §7 "Transport").
type Kind string

const (
	KindUnknownTarget Kind = "UNKNOWN_TARGET"
	KindTimeout       Kind = "TIMEOUT"
	KindShutdown      Kind = "BUS_SHUTDOWN"
	KindOverflow      Kind = "QUEUE_OVERFLOW"
)

// Error is a typed bus failure. Compare with errors.Is against the sentinel
// Kind values, not string equality.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("bus: %s: %s", e.Kind, e.Msg) }

// Is supports errors.Is(err, &Error{Kind: KindTimeout}) style checks.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func newErr(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// MaxPending bounds the pending-request table (spec §4.1, §5, §8).
const MaxPending = 50

// MaxHistory bounds the message history ring (spec §4.1, §5, §8).
const MaxHistory = 100

// Handler is implemented by anything the bus can route a message to: a
// worker's HandleMessage method (spec §9 "a worker is any value with a
// handleMessage(msg) method").
type Handler interface {
	HandleMessage(ctx context.Context, msg domain.AgentMessage) (domain.AgentMessage, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, msg domain.AgentMessage) (domain.AgentMessage, error)

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(ctx context.Context, msg domain.AgentMessage) (domain.AgentMessage, error) {
	return f(ctx, msg)
}

// BroadcastResult is one worker's outcome from a Broadcast call.
type BroadcastResult struct {
	Role    domain.Role
	Result  domain.AgentMessage
	Err     error
}

// HistoryFilter narrows GetHistory results. Zero-value fields are ignored.
type HistoryFilter struct {
	Type  domain.MessageType
	From  domain.Role
	To    domain.Role
	Since time.Time
}

func (f HistoryFilter) matches(msg domain.AgentMessage) bool {
	if f.Type != "" && msg.Type != f.Type {
		return false
	}
	if f.From != "" && msg.From != f.From {
		return false
	}
	if f.To != "" && msg.To != f.To {
		return false
	}
	if !f.Since.IsZero() && msg.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

type pendingEntry struct {
	once   sync.Once
	result chan domain.AgentMessage
	err    chan error
}

func newPendingEntry() *pendingEntry {
	return &pendingEntry{result: make(chan domain.AgentMessage, 1), err: make(chan error, 1)}
}

// resolve delivers msg unless the entry was already settled, reporting
// whether this call was the one that settled it.
func (p *pendingEntry) resolve(msg domain.AgentMessage) bool {
	won := false
	p.once.Do(func() {
		p.result <- msg
		won = true
	})
	return won
}

func (p *pendingEntry) reject(err error) {
	p.once.Do(func() { p.err <- err })
}

type subscription struct {
	id      uint64
	msgType domain.MessageType
	handler func(domain.AgentMessage)
}

// Bus routes AgentMessages between registered workers, correlates
// request/response pairs, and fans out to subscribers and history. The zero
// value is not usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.Role]Handler
	// pending preserves insertion order so overflow evicts the oldest entry.
	pendingOrder *list.List
	pendingIdx   map[string]*list.Element // msg.ID -> element wrapping *pendingEntry
	subs         []subscription
	nextSubID    uint64
	history      *ring.Buffer[domain.AgentMessage]
	shutdown     bool
	logger       telemetry.Logger
}

type pendingListItem struct {
	id    string
	entry *pendingEntry
}

// New constructs an empty Bus with no registered workers.
func New(logger telemetry.Logger) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{
		handlers:     make(map[domain.Role]Handler),
		pendingOrder: list.New(),
		pendingIdx:   make(map[string]*list.Element),
		history:      ring.New[domain.AgentMessage](MaxHistory),
		logger:       logger,
	}
}

// Register binds role to worker, last-writer-wins.
func (b *Bus) Register(role domain.Role, worker Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[role] = worker
}

// Unregister removes role's binding, if any.
func (b *Bus) Unregister(role domain.Role) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, role)
}

// Send routes msg to the worker registered for msg.To, or resolves an
// outstanding Request if msg.CorrelationID matches one. It records msg in
// history either way (spec §4.1: "an unregistered recipient... without
// mutating history beyond the record of attempt").
func (b *Bus) Send(ctx context.Context, msg domain.AgentMessage) (domain.AgentMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.RLock()
	down := b.shutdown
	b.mu.RUnlock()
	if down {
		b.recordHistory(msg)
		return domain.AgentMessage{}, newErr(KindShutdown, "bus is shut down")
	}

	if msg.CorrelationID != "" {
		if entry := b.takePending(msg.CorrelationID); entry != nil {
			entry.resolve(msg)
			b.recordHistory(msg)
			b.notifySubscribers(msg)
			return msg, nil
		}
	}

	b.mu.RLock()
	worker, ok := b.handlers[msg.To]
	b.mu.RUnlock()
	if !ok {
		b.recordHistory(msg)
		return domain.AgentMessage{}, newErr(KindUnknownTarget, string(msg.To))
	}

	resp, err := worker.HandleMessage(ctx, msg)
	b.recordHistory(msg)
	if err == nil {
		b.recordHistory(resp)
	}
	b.notifySubscribers(msg)
	return resp, err
}

// Request dispatches msg to the worker registered for msg.To and waits up to
// timeout for either the worker's direct return or a later Send carrying
// CorrelationID == msg.ID, whichever arrives first (spec §4.1). Exactly one
// of those two paths resolves the call (spec §8 property 1).
func (b *Bus) Request(ctx context.Context, msg domain.AgentMessage, timeout time.Duration) (domain.AgentMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return domain.AgentMessage{}, newErr(KindShutdown, "bus is shut down")
	}
	worker, ok := b.handlers[msg.To]
	if !ok {
		b.mu.Unlock()
		b.recordHistory(msg)
		return domain.AgentMessage{}, newErr(KindUnknownTarget, string(msg.To))
	}
	entry := newPendingEntry()
	b.mu.Unlock()

	evictedID, evicted := b.addPending(msg.ID, entry)
	if evicted != nil {
		evicted.reject(newErr(KindOverflow, "pending request table full, dropped "+evictedID))
	}
	defer b.removePending(msg.ID)

	b.recordHistory(msg)

	go func() {
		resp, err := worker.HandleMessage(ctx, msg)
		if err != nil {
			entry.reject(err)
			return
		}
		// A correlated Send that won the race has already notified
		// subscribers of its own response.
		if entry.resolve(resp) {
			b.notifySubscribers(resp)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-entry.result:
		b.recordHistory(resp)
		b.notifySubscribers(msg)
		return resp, nil
	case err := <-entry.err:
		return domain.AgentMessage{}, err
	case <-timer.C:
		entry.reject(newErr(KindTimeout, "request "+msg.ID+" to "+string(msg.To)+" timed out"))
		return domain.AgentMessage{}, newErr(KindTimeout, "request "+msg.ID+" to "+string(msg.To)+" timed out")
	case <-ctx.Done():
		entry.reject(ctx.Err())
		return domain.AgentMessage{}, ctx.Err()
	}
}

func (b *Bus) addPending(id string, entry *pendingEntry) (string, *pendingEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el := b.pendingOrder.PushBack(pendingListItem{id: id, entry: entry})
	b.pendingIdx[id] = el

	if b.pendingOrder.Len() <= MaxPending {
		return "", nil
	}
	oldest := b.pendingOrder.Front()
	b.pendingOrder.Remove(oldest)
	item := oldest.Value.(pendingListItem)
	delete(b.pendingIdx, item.id)
	return item.id, item.entry
}

func (b *Bus) takePending(id string) *pendingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.pendingIdx[id]
	if !ok {
		return nil
	}
	b.pendingOrder.Remove(el)
	delete(b.pendingIdx, id)
	return el.Value.(pendingListItem).entry
}

func (b *Bus) removePending(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.pendingIdx[id]
	if !ok {
		return
	}
	b.pendingOrder.Remove(el)
	delete(b.pendingIdx, id)
}

// Broadcast delivers a copy of msg to every registered worker except
// msg.From, collecting each worker's outcome.
func (b *Bus) Broadcast(ctx context.Context, msg domain.AgentMessage) []BroadcastResult {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.mu.RLock()
	targets := make(map[domain.Role]Handler, len(b.handlers))
	for role, h := range b.handlers {
		if role == msg.From {
			continue
		}
		targets[role] = h
	}
	b.mu.RUnlock()

	results := make([]BroadcastResult, 0, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for role, h := range targets {
		wg.Add(1)
		go func(role domain.Role, h Handler) {
			defer wg.Done()
			copyMsg := msg
			copyMsg.To = role
			resp, err := h.HandleMessage(ctx, copyMsg)
			mu.Lock()
			results = append(results, BroadcastResult{Role: role, Result: resp, Err: err})
			mu.Unlock()
		}(role, h)
	}
	wg.Wait()
	b.recordHistory(msg)
	return results
}

// Subscribe registers handler for every message of the given type, returning
// an unsubscribe function. Handler errors are never propagated to the
// publisher; they are only logged (spec §4.1).
func (b *Bus) Subscribe(msgType domain.MessageType, handler func(domain.AgentMessage)) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subs = append(b.subs, subscription{id: id, msgType: msgType, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) notifySubscribers(msg domain.AgentMessage) {
	b.mu.RLock()
	var matched []subscription
	for _, s := range b.subs {
		if s.msgType == msg.Type {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn(context.Background(), "bus subscriber panicked", "recover", r)
				}
			}()
			s.handler(msg)
		}()
	}
}

func (b *Bus) recordHistory(msg domain.AgentMessage) {
	if msg.ID == "" {
		return
	}
	b.history.Push(msg)
}

// GetHistory returns the bounded message history matching filter, oldest
// first.
func (b *Bus) GetHistory(filter HistoryFilter) []domain.AgentMessage {
	return b.history.Filter(filter.matches)
}

// Reset rejects all pending requests with BUS_SHUTDOWN, clears history and
// subscriptions, and retains worker registrations (spec §4.1).
func (b *Bus) Reset() {
	b.mu.Lock()
	var toReject []*pendingEntry
	for e := b.pendingOrder.Front(); e != nil; e = e.Next() {
		toReject = append(toReject, e.Value.(pendingListItem).entry)
	}
	b.pendingOrder.Init()
	b.pendingIdx = make(map[string]*list.Element)
	b.subs = nil
	b.mu.Unlock()

	for _, e := range toReject {
		e.reject(newErr(KindShutdown, "bus reset"))
	}
	b.history.Reset()
}

// Shutdown marks the bus as permanently down: all subsequent Send/Request
// calls fail with BUS_SHUTDOWN. Unlike Reset, Shutdown does not clear
// history or registrations, so a caller can still inspect state post-mortem.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	var toReject []*pendingEntry
	for e := b.pendingOrder.Front(); e != nil; e = e.Next() {
		toReject = append(toReject, e.Value.(pendingListItem).entry)
	}
	b.mu.Unlock()
	for _, e := range toReject {
		e.reject(newErr(KindShutdown, "bus shut down"))
	}
}

// PendingCount reports the current pending-request table size (spec §8:
// never exceeds MaxPending).
func (b *Bus) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pendingOrder.Len()
}
