package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventHeartbeatReceived    EventType = "heartbeat.received"
	EventDeviceOnline         EventType = "device.offline_to_online"
	EventDeviceOffline        EventType = "device.online_to_offline"
	EventBatteryLow           EventType = "battery.low"
	EventBatteryCritical      EventType = "battery.critical"
	EventNetworkChanged       EventType = "network.changed"
	EventAutoRelaunchQueued   EventType = "dispatch.auto_relaunch_queued"
	EventDispatchIdempotentHit EventType = "dispatch.idempotency_hit"
	EventAlertRaised          EventType = "alert.raised"
	EventAlertRecovered       EventType = "alert.recovered"
	EventPartitionSkipped     EventType = "partition.skipped"
	EventPartitionFailed      EventType = "partition.failed"
	EventReconcileRowFixed    EventType = "reconcile.row_fixed"
)

// Event represents a device-pipeline event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	DeviceID  string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	// OnDrop, if set, is called whenever Publish or broadcast sheds an
	// event because a buffer is full. Wired to metrics.EventsDroppedTotal
	// by the caller so the events package stays dependency-free.
	OnDrop func(reason string)
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Queue full: never block ingest, shed and count it.
		if b.OnDrop != nil {
			b.OnDrop("queue_full")
		}
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
			if b.OnDrop != nil {
				b.OnDrop("subscriber_full")
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
