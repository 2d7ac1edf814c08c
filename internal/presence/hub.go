package presence

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
)

// Hub is an in-process presence channel. Every change broadcasts the full state of the
// station topic to each subscriber. It backs the API server and local tests.
type Hub struct {
	mu     sync.Mutex
	topics map[stations.Station]*hubTopic
	nextID int64
	closed bool
}

type hubTopic struct {
	subscribers map[int64]*hubSubscription
	claims      map[string]Claim
}

type hubSubscription struct {
	hub     *Hub
	id      int64
	station stations.Station
	key     string
	events  chan Event
	once    sync.Once
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[stations.Station]*hubTopic)}
}

// Subscribe opens a connection for key on the station topic and immediately delivers the
// current state. The subscription closes when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, station stations.Station, key string) (Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	subscription := &hubSubscription{
		hub:     h,
		id:      h.nextID,
		station: station,
		key:     key,
		events:  make(chan Event, 1),
	}
	topic := h.topicLocked(station)
	topic.subscribers[subscription.id] = subscription
	Offer(subscription.events, Event{Kind: EventSync, Claims: topic.snapshot()})
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = subscription.Close()
	}()
	return subscription, nil
}

// Track replaces the claim published under key. The key must have an open subscription.
func (h *Hub) Track(station stations.Station, key string, claim Claim) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	topic := h.topics[station]
	if topic == nil || !topic.hasKey(key) {
		return ErrNotSubscribed
	}
	claim.Station = station
	topic.claims[key] = claim
	topic.broadcast()
	return nil
}

// Untrack removes the claim published under key.
func (h *Hub) Untrack(station stations.Station, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	topic := h.topics[station]
	if topic == nil {
		return
	}
	if _, ok := topic.claims[key]; !ok {
		return
	}
	delete(topic.claims, key)
	topic.broadcast()
}

// State returns the current claims of a station topic.
func (h *Hub) State(station stations.Station) []Claim {
	h.mu.Lock()
	defer h.mu.Unlock()
	topic := h.topics[station]
	if topic == nil {
		return nil
	}
	return topic.snapshot()
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var subscriptions []*hubSubscription
	for _, topic := range h.topics {
		for _, subscription := range topic.subscribers {
			subscriptions = append(subscriptions, subscription)
		}
	}
	h.mu.Unlock()
	for _, subscription := range subscriptions {
		_ = subscription.Close()
	}
}

func (h *Hub) topicLocked(station stations.Station) *hubTopic {
	topic := h.topics[station]
	if topic == nil {
		topic = &hubTopic{
			subscribers: make(map[int64]*hubSubscription),
			claims:      make(map[string]Claim),
		}
		h.topics[station] = topic
	}
	return topic
}

func (h *Hub) unregister(subscription *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	topic := h.topics[subscription.station]
	if topic == nil {
		return
	}
	delete(topic.subscribers, subscription.id)
	if _, tracked := topic.claims[subscription.key]; tracked && !topic.hasKey(subscription.key) {
		delete(topic.claims, subscription.key)
		topic.broadcast()
	}
	if len(topic.subscribers) == 0 && len(topic.claims) == 0 {
		delete(h.topics, subscription.station)
	}
}

func (t *hubTopic) hasKey(key string) bool {
	for _, subscription := range t.subscribers {
		if subscription.key == key {
			return true
		}
	}
	return false
}

func (t *hubTopic) snapshot() []Claim {
	claims := make([]Claim, 0, len(t.claims))
	for _, claim := range t.claims {
		claims = append(claims, claim)
	}
	sortClaims(claims)
	return claims
}

func (t *hubTopic) broadcast() {
	for _, subscription := range t.subscribers {
		Offer(subscription.events, Event{Kind: EventSync, Claims: t.snapshot()})
	}
}

// Offer delivers without blocking. A pending event is superseded by the newer one.
func Offer(stream chan Event, event Event) {
	select {
	case stream <- event:
		return
	default:
	}
	select {
	case <-stream:
	default:
	}
	select {
	case stream <- event:
	default:
	}
}

func (s *hubSubscription) Events() <-chan Event {
	return s.events
}

func (s *hubSubscription) Track(_ context.Context, claim Claim) error {
	return s.hub.Track(s.station, s.key, claim)
}

func (s *hubSubscription) Untrack(_ context.Context) error {
	s.hub.Untrack(s.station, s.key)
	return nil
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.unregister(s)
		s.hub.mu.Lock()
		close(s.events)
		s.hub.mu.Unlock()
	})
	return nil
}
