package notifications

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// Dispatcher fans newly created notifications out to the recipient's live subscribers. Slow subscribers
// miss messages rather than block the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Notification
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a stream for userID that is removed when ctx ends or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan Notification, func()) {
	if userID == "" {
		ch := make(chan Notification)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Notification, d.bufferSize),
	}
	d.register(userID, entry)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(userID, entry.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish delivers notification to every subscriber of its recipient without blocking.
func (d *Dispatcher) Publish(notification Notification) {
	if notification.UserID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[notification.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, entry := range subscribers {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- notification:
		default:
		}
	}
}

// SubscriberCount reports the live subscriptions for userID.
func (d *Dispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(userID string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*subscriber)
	}
	d.subscribers[userID][entry.id] = entry
}

func (d *Dispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
