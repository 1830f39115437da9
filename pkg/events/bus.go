package events

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/metrics"
	"github.com/skeinlabs/skein/pkg/types"
)

const (
	defaultMaxHistory = 10000
	maxDeadLetters    = 1000
)

// Handler processes a delivered event. A non-nil error triggers the bus's
// retry path for the event.
type Handler func(event *types.Event) error

// Filter decides whether a published event is admitted to the bus
type Filter func(event *types.Event) bool

// Interceptor can observe or mutate an event before it is admitted
type Interceptor func(event *types.Event) *types.Event

// Broker is the durable transport used in distributed mode
type Broker interface {
	Publish(ctx context.Context, event *types.Event) error
	Consume(ctx context.Context, count int) ([]*types.Event, error)
	Ack(ctx context.Context, ackID string) error
	IsDuplicate(ctx context.Context, eventID string) (bool, error)
	Close() error
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// queueItem orders events by descending priority, then publish order
type queueItem struct {
	event *types.Event
	prio  int
	seq   uint64
}

type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].prio != pq[j].prio {
		return pq[i].prio > pq[j].prio
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) { *pq = append(*pq, x.(*queueItem)) }

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Stats is a point-in-time snapshot of bus counters
type Stats struct {
	TotalEvents         int64   `json:"total_events"`
	TotalErrors         int64   `json:"total_errors"`
	ErrorRate           float64 `json:"error_rate"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	HistorySize         int     `json:"history_size"`
	DeadLetterSize      int     `json:"dead_letter_size"`
	QueueSize           int     `json:"queue_size"`
}

// Bus is the in-process event bus. Optionally backed by a durable Broker.
type Bus struct {
	mu          sync.Mutex
	subs        map[string][]*subscription
	nextSubID   uint64
	queue       priorityQueue
	seq         uint64
	history     []*types.Event
	maxHistory  int
	deadLetters []*types.Event

	filters      []Filter
	interceptors []Interceptor

	broker Broker

	eventCount int64
	errorCount int64

	notify  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	logger  zerolog.Logger
}

// Option configures a Bus
type Option func(*Bus)

// WithMaxHistory sets the history ring capacity
func WithMaxHistory(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

// WithBroker enables durable mode through the given broker
func WithBroker(br Broker) Option {
	return func(b *Bus) { b.broker = br }
}

// NewBus creates a stopped bus. Call Start before publishing.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string][]*subscription),
		maxHistory: defaultMaxHistory,
		notify:     make(chan struct{}, 1),
		logger:     log.WithComponent("events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	heap.Init(&b.queue)
	return b
}

// Start launches the dispatch worker and, in durable mode, the broker
// consumer loop. A stopped bus may be started again.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	// Fresh channels each start so Stop/Start cycles work
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	stopCh, doneCh := b.stopCh, b.doneCh
	b.mu.Unlock()

	go b.run(stopCh, doneCh)
	if b.broker != nil {
		go b.consumeBroker(stopCh)
	}
	b.logger.Info().Bool("durable", b.broker != nil).Msg("event bus started")
}

// Stop shuts down the dispatch worker. Queued events are dropped.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	stopCh, doneCh := b.stopCh, b.doneCh
	b.mu.Unlock()

	close(stopCh)
	<-doneCh
	if b.broker != nil {
		if err := b.broker.Close(); err != nil {
			b.logger.Error().Err(err).Msg("broker close failed")
		}
	}
	b.logger.Info().Msg("event bus stopped")
}

// Subscribe registers a handler for an event type. The type may be an exact
// name, a "prefix.*" wildcard, or "*". Returns the subscription id used for
// Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) uint64 {
	return b.SubscribeNamed(eventType, "", handler)
}

// SubscribeNamed registers a handler under a name. Events carrying a
// Destination are delivered only to subscriptions whose name matches it.
func (b *Bus) SubscribeNamed(eventType, name string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &subscription{id: b.nextSubID, name: name, handler: handler}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.logger.Debug().Str("event_type", eventType).Int("handlers", len(b.subs[eventType])).Msg("subscribed")
	return sub.id
}

// Unsubscribe removes a subscription by id
func (b *Bus) Unsubscribe(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[eventType]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// AddFilter installs a filter. Events rejected by any filter are dropped.
func (b *Bus) AddFilter(f Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, f)
}

// AddInterceptor installs an interceptor applied to every published event
func (b *Bus) AddInterceptor(i Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptors = append(b.interceptors, i)
}

// Publish admits an event to the bus and returns its id. The event passes
// interceptors and filters first; an already-expired event goes to the dead
// letter queue.
func (b *Bus) Publish(ctx context.Context, event *types.Event) (string, error) {
	b.mu.Lock()
	for _, ic := range b.interceptors {
		event = ic(event)
		if event == nil {
			b.mu.Unlock()
			return "", fmt.Errorf("event dropped by interceptor")
		}
	}
	for _, f := range b.filters {
		if !f(event) {
			b.mu.Unlock()
			b.logger.Debug().Str("event_id", event.EventID).Msg("event filtered out")
			return event.EventID, nil
		}
	}

	if event.Expired() {
		b.appendDeadLetterLocked(event)
		b.mu.Unlock()
		b.logger.Warn().Str("event_id", event.EventID).Msg("event expired before publishing")
		return event.EventID, nil
	}

	b.appendHistoryLocked(event)
	b.eventCount++
	durable := b.broker != nil
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(typePrefix(event.EventType)).Inc()

	if durable {
		if err := b.broker.Publish(ctx, event); err != nil {
			b.logger.Error().Err(err).Str("event_id", event.EventID).Msg("durable publish failed, queuing locally")
			b.enqueue(event, event.Priority)
		}
		return event.EventID, nil
	}

	b.enqueue(event, event.Priority)
	return event.EventID, nil
}

// PublishAndWait publishes an event and blocks until a "<type>.reply" event
// carrying the same correlation id arrives, the timeout elapses, or ctx is
// cancelled. Returns nil on timeout.
func (b *Bus) PublishAndWait(ctx context.Context, event *types.Event, timeout time.Duration) (*types.Event, error) {
	correlationID := uuid.NewString()
	event.CorrelationID = correlationID

	replyCh := make(chan *types.Event, 1)
	replyType := event.EventType + ".reply"
	subID := b.Subscribe(replyType, func(reply *types.Event) error {
		if reply.CorrelationID == correlationID {
			select {
			case replyCh <- reply:
			default:
			}
		}
		return nil
	})
	defer b.Unsubscribe(replyType, subID)

	if _, err := b.Publish(ctx, event); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		b.logger.Warn().Str("event_id", event.EventID).Msg("timeout waiting for reply")
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForEvent blocks until an event of the given type passing the filter is
// dispatched, the timeout elapses, or ctx is cancelled. Returns nil on
// timeout. A nil filter matches every event of the type.
func (b *Bus) WaitForEvent(ctx context.Context, eventType string, filter Filter, timeout time.Duration) (*types.Event, error) {
	matchCh := make(chan *types.Event, 1)
	subID := b.Subscribe(eventType, func(event *types.Event) error {
		if filter == nil || filter(event) {
			select {
			case matchCh <- event:
			default:
			}
		}
		return nil
	})
	defer b.Unsubscribe(eventType, subID)

	select {
	case event := <-matchCh:
		return event, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bus) run(stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		b.mu.Lock()
		var item *queueItem
		if b.queue.Len() > 0 {
			item = heap.Pop(&b.queue).(*queueItem)
			metrics.QueueSize.WithLabelValues("bus").Set(float64(b.queue.Len()))
		}
		b.mu.Unlock()

		if item == nil {
			select {
			case <-b.notify:
				continue
			case <-stopCh:
				return
			}
		}

		b.dispatch(item.event)

		select {
		case <-stopCh:
			return
		default:
		}
	}
}

// consumeBroker pulls events from the durable stream into the local queue,
// skipping duplicates.
func (b *Bus) consumeBroker(stopCh <-chan struct{}) {
	ctx := context.Background()
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		batch, err := b.broker.Consume(ctx, 10)
		if err != nil {
			b.logger.Error().Err(err).Msg("broker consume failed")
			select {
			case <-time.After(time.Second):
			case <-stopCh:
				return
			}
			continue
		}

		for _, event := range batch {
			dup, err := b.broker.IsDuplicate(ctx, event.EventID)
			if err != nil {
				b.logger.Error().Err(err).Str("event_id", event.EventID).Msg("dedup check failed")
			}
			if dup {
				b.logger.Info().Str("event_id", event.EventID).Msg("skipping duplicate event")
				if event.AckID != "" {
					_ = b.broker.Ack(ctx, event.AckID)
				}
				continue
			}
			b.enqueue(event, event.Priority)
		}
	}
}

func (b *Bus) enqueue(event *types.Event, priority int) {
	b.mu.Lock()
	b.seq++
	heap.Push(&b.queue, &queueItem{event: event, prio: priority, seq: b.seq})
	metrics.QueueSize.WithLabelValues("bus").Set(float64(b.queue.Len()))
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// dispatch delivers the event to all matching subscriptions concurrently.
// Any failed handler sends the whole event down the retry path.
func (b *Bus) dispatch(event *types.Event) {
	if event.Expired() {
		b.mu.Lock()
		b.appendDeadLetterLocked(event)
		b.mu.Unlock()
		b.ack(event)
		b.logger.Warn().Str("event_id", event.EventID).Msg("event expired in queue")
		return
	}

	handlers := b.matchingHandlers(event)
	if len(handlers) == 0 {
		b.logger.Debug().Str("event_type", event.EventType).Msg("no handlers for event type")
		b.ack(event)
		return
	}

	errCh := make(chan error, len(handlers))
	var wg sync.WaitGroup
	for _, sub := range handlers {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			errCh <- b.safeCall(sub, event)
		}(sub)
	}
	wg.Wait()
	close(errCh)

	failed := false
	for err := range errCh {
		if err != nil {
			failed = true
			b.mu.Lock()
			b.errorCount++
			b.mu.Unlock()
			metrics.EventDispatchErrors.Inc()
			b.logger.Error().Err(err).Str("event_id", event.EventID).Msg("handler failed")
		}
	}

	if failed {
		if event.RetryCount < event.MaxRetries {
			event.RetryCount++
			b.logger.Info().Str("event_id", event.EventID).Int("attempt", event.RetryCount).Msg("retrying event")
			b.enqueue(event, event.Priority-1)
			return
		}
		b.mu.Lock()
		b.appendDeadLetterLocked(event)
		b.mu.Unlock()
		b.logger.Error().Str("event_id", event.EventID).Int("retries", event.RetryCount).Msg("event moved to dead letter queue")
	}

	b.ack(event)
}

func (b *Bus) ack(event *types.Event) {
	if b.broker != nil && event.AckID != "" {
		if err := b.broker.Ack(context.Background(), event.AckID); err != nil {
			b.logger.Error().Err(err).Str("event_id", event.EventID).Msg("ack failed")
		}
	}
}

func (b *Bus) safeCall(sub *subscription, event *types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(event)
}

// matchingHandlers resolves subscriptions for the event type, honoring
// wildcards and the event's destination.
func (b *Bus) matchingHandlers(event *types.Event) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []*subscription
	matched = append(matched, b.subs[event.EventType]...)
	for pattern, subs := range b.subs {
		if pattern == event.EventType {
			continue
		}
		if pattern == "*" {
			matched = append(matched, subs...)
		} else if strings.HasSuffix(pattern, ".*") && strings.HasPrefix(event.EventType, pattern[:len(pattern)-2]) {
			matched = append(matched, subs...)
		}
	}

	if event.Destination == "" {
		return matched
	}
	var routed []*subscription
	for _, sub := range matched {
		if sub.name == event.Destination {
			routed = append(routed, sub)
		}
	}
	return routed
}

// History returns up to limit most recent events, optionally filtered by
// exact event type. Empty type matches everything.
func (b *Bus) History(eventType string, limit int) []*types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*types.Event
	for _, e := range b.history {
		if eventType == "" || e.EventType == eventType {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ClearHistory drops all recorded history
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
	b.logger.Info().Msg("event history cleared")
}

// Replay republishes historical events by id
func (b *Bus) Replay(ctx context.Context, eventIDs []string) error {
	wanted := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		wanted[id] = true
	}

	b.mu.Lock()
	var toReplay []*types.Event
	for _, e := range b.history {
		if wanted[e.EventID] {
			toReplay = append(toReplay, e)
		}
	}
	b.mu.Unlock()

	for _, e := range toReplay {
		b.logger.Info().Str("event_id", e.EventID).Msg("replaying event")
		if _, err := b.Publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// DeadLetters returns a snapshot of the dead letter queue
func (b *Bus) DeadLetters() []*types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Event, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// RetryDeadLetters republishes dead-lettered events with their retry count
// reset. A nil id list retries everything.
func (b *Bus) RetryDeadLetters(ctx context.Context, eventIDs []string) error {
	var wanted map[string]bool
	if eventIDs != nil {
		wanted = make(map[string]bool, len(eventIDs))
		for _, id := range eventIDs {
			wanted[id] = true
		}
	}

	b.mu.Lock()
	var toRetry []*types.Event
	var remaining []*types.Event
	for _, e := range b.deadLetters {
		if wanted == nil || wanted[e.EventID] {
			toRetry = append(toRetry, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	b.deadLetters = remaining
	b.mu.Unlock()

	for _, e := range toRetry {
		e.RetryCount = 0
		if _, err := b.Publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of bus counters
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.eventCount
	if total == 0 {
		total = 1
	}
	subCount := 0
	for _, subs := range b.subs {
		subCount += len(subs)
	}
	return Stats{
		TotalEvents:         b.eventCount,
		TotalErrors:         b.errorCount,
		ErrorRate:           float64(b.errorCount) / float64(total),
		ActiveSubscriptions: subCount,
		HistorySize:         len(b.history),
		DeadLetterSize:      len(b.deadLetters),
		QueueSize:           b.queue.Len(),
	}
}

func (b *Bus) appendHistoryLocked(event *types.Event) {
	b.history = append(b.history, event)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
}

func (b *Bus) appendDeadLetterLocked(event *types.Event) {
	b.deadLetters = append(b.deadLetters, event)
	if len(b.deadLetters) > maxDeadLetters {
		b.deadLetters = b.deadLetters[len(b.deadLetters)-maxDeadLetters:]
	}
	metrics.EventsDeadLettered.Inc()
}

func typePrefix(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}
