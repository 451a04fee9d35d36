package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
)

const (
	eventChange    = "change"
	eventHeartbeat = "heartbeat"
	eventReady     = "ready"
)

// RealtimeDispatcher fans accepted changes out to every subscribed device
// except the one that made the change.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	device clip.DeviceID
	stream chan clip.Change
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers device until ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, device clip.DeviceID) (<-chan clip.Change, func()) {
	if device == "" {
		ch := make(chan clip.Change)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		device: device,
		stream: make(chan clip.Change, d.bufferSize),
	}
	d.register(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers change without blocking; a full subscriber buffer drops it,
// which is safe because subscribers pull the complete set on every cycle.
func (d *RealtimeDispatcher) Publish(change clip.Change) {
	if change.CanonicalID == "" || change.Kind == "" {
		return
	}
	d.mu.RLock()
	targets := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		if subscriber.device != change.Device {
			targets = append(targets, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

// Subscribers reports the number of open subscriptions.
func (d *RealtimeDispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) register(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
