package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/logger"
)

// Broadcaster fans values out to subscribers. Slow subscribers miss values
// instead of blocking the publisher.
type Broadcaster[T any] struct {
	name    string
	buffer  int
	onCount func(int)

	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
	closed  bool
	dropped uint64
}

// NewBroadcaster returns a broadcaster whose subscriber channels hold buffer
// values. onCount, if set, is called with the subscriber count after every
// change.
func NewBroadcaster[T any](name string, buffer int, onCount func(int)) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broadcaster[T]{
		name:    name,
		buffer:  buffer,
		onCount: onCount,
		clients: make(map[int]chan T),
	}
}

// Subscribe adds a new client and returns a channel for receiving values.
// After Close the returned channel is already closed.
func (b *Broadcaster[T]) Subscribe() (int, <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch
	b.countChanged()

	logger.Debug(b.name, "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster[T]) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		b.countChanged()
		logger.Debug(b.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Broadcast offers v to every client and returns how many took it.
func (b *Broadcaster[T]) Broadcast(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	sent := 0
	for _, ch := range b.clients {
		select {
		case ch <- v:
			sent++
		default:
			// Client too slow, skip this value for this client
			b.dropped++
		}
	}
	return sent
}

// Count returns the number of subscribers.
func (b *Broadcaster[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Dropped returns how many deliveries were skipped for slow clients.
func (b *Broadcaster[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close disconnects every client. Later subscribers get a closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
	b.countChanged()
}

func (b *Broadcaster[T]) countChanged() {
	if b.onCount != nil {
		b.onCount(len(b.clients))
	}
}

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// serializeEvent encodes v once as JSON and once as a protobuf Struct built
// from that JSON.
func serializeEvent(v any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("event is not a JSON object: %w", err)
	}
	pbEvent, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(pbEvent)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
