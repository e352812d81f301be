// internal/channel/channel.go
// Package channel provides the publish/subscribe message channel the
// replication protocol runs over. It defines the transport-agnostic
// interface plus subject naming, with a NATS implementation for production
// and an in-memory implementation for tests.
package channel

import (
	"context"
	"strings"
	"sync"
)

// Subject names used by the replication protocol. Request/response is
// emulated by publishing to a subject scoped by the peer's device ID.
const (
	subjectPrefix = "apn."

	HeartbeatSubject = "apn.device.heartbeat" // Periodic device liveness beacons

	// Chunked-variant subjects
	SyncRequestSubject  = "apn.sync.request"  // Transfer metadata
	SyncChunkSubject    = "apn.sync.chunk"    // Individual chunk payloads
	SyncCompleteSubject = "apn.sync.complete" // Completion signal
	SyncStatusSubject   = "apn.sync.status"   // Ready/chunk/import status messages
)

// StorageSyncSubject returns the sync-request subject for a provider device.
func StorageSyncSubject(providerDeviceID string) string {
	return subjectPrefix + "storage.sync." + providerDeviceID
}

// StorageAckSubject returns the acknowledgment subject scoped to a sender.
func StorageAckSubject(senderDeviceID string) string {
	return subjectPrefix + "storage.ack." + senderDeviceID
}

// StorageServeSubject returns the data-serve request subject for a provider.
func StorageServeSubject(providerDeviceID string) string {
	return subjectPrefix + "storage.serve." + providerDeviceID
}

// StorageResponseSubject returns the serve-response subject scoped to a
// requester.
func StorageResponseSubject(requesterDeviceID string) string {
	return subjectPrefix + "storage.response." + requesterDeviceID
}

// Handler consumes one message delivered on a subscribed subject. Handlers
// must be non-blocking or off-load their work so one slow handler cannot
// stall delivery of other subjects.
type Handler func(data []byte)

// Subscription represents an active subject subscription.
type Subscription interface {
	// Unsubscribe stops delivery to the subscription's handler.
	Unsubscribe() error
}

// Channel is the publish/subscribe transport abstraction. Publish is
// fire-and-forget and never blocks on delivery.
type Channel interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close() error
}

// memoryChannel is an in-process Channel for tests. Messages fan out to
// every handler subscribed on the subject, each on its own goroutine to
// match the delivery model of the real transport.
type memoryChannel struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
}

// NewMemory creates an in-memory channel implementation.
func NewMemory() Channel {
	return &memoryChannel{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	ch      *memoryChannel
	subject string
	handler Handler
	active  bool
}

func (s *memorySub) Unsubscribe() error {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	s.active = false
	return nil
}

func (c *memoryChannel) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrChannelClosed
	}

	for _, sub := range c.subs[subject] {
		if !sub.active {
			continue
		}
		// Copy so handlers cannot observe each other's mutations.
		msg := make([]byte, len(data))
		copy(msg, data)
		go sub.handler(msg)
	}
	return nil
}

func (c *memoryChannel) Subscribe(subject string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}

	sub := &memorySub{ch: c, subject: subject, handler: handler, active: true}
	c.subs[subject] = append(c.subs[subject], sub)
	return sub, nil
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for subject, subs := range c.subs {
		for _, sub := range subs {
			sub.active = false
		}
		delete(c.subs, subject)
	}
	return nil
}

// DeviceIDFromSubject extracts the trailing device ID from a scoped subject
// such as apn.storage.sync.<device-id>. Returns "" when the subject carries
// no scope.
func DeviceIDFromSubject(subject string) string {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 || idx == len(subject)-1 {
		return ""
	}
	return subject[idx+1:]
}
