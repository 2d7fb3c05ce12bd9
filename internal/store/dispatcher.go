package store

import (
	"context"
	"sync"
	"time"
)

// Change kinds published to facade subscribers.
const (
	ChangeKindScenario     = "scenario-change"
	ChangeKindPost         = "post-change"
	ChangeKindProfile      = "profile-change"
	ChangeKindSheet        = "sheet-change"
	ChangeKindConversation = "conversation-change"
	ChangeKindMessage      = "message-change"
)

// ChangeEvent describes a committed mutation scoped to one scenario.
type ChangeEvent struct {
	ScenarioID string
	Kind       string
	EntityIDs  []string
	Timestamp  time.Time
}

// ChangeDispatcher fans committed change events out to per-scenario
// subscribers. Slow subscribers drop events rather than block the publisher.
type ChangeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	stream chan ChangeEvent
}

// NewChangeDispatcher constructs an empty dispatcher.
func NewChangeDispatcher() *ChangeDispatcher {
	return &ChangeDispatcher{
		subscribers: make(map[string]map[int64]*changeSubscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a listener for one scenario's change events. The stream
// closes implicitly when the context is cancelled; the returned cleanup is
// idempotent and safe to call early.
func (d *ChangeDispatcher) Subscribe(ctx context.Context, scenarioID string) (<-chan ChangeEvent, func()) {
	if scenarioID == "" {
		ch := make(chan ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &changeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeEvent, d.bufferSize),
	}
	d.register(scenarioID, subscriber)
	cleanup := func() {
		d.unregister(scenarioID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber of its scenario scope.
func (d *ChangeDispatcher) Publish(event ChangeEvent) {
	if event.ScenarioID == "" || event.Kind == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.ScenarioID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*changeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *ChangeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ChangeDispatcher) register(scenarioID string, subscriber *changeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[scenarioID]; !ok {
		d.subscribers[scenarioID] = make(map[int64]*changeSubscriber)
	}
	d.subscribers[scenarioID][subscriber.id] = subscriber
}

func (d *ChangeDispatcher) unregister(scenarioID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[scenarioID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, scenarioID)
		}
	}
	d.mu.Unlock()
}
