// Package transport is the broker boundary: topic pub/sub with per-publish
// delivery quality, wildcard subscriptions and connection lifecycle events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotConnected is returned by Publish while the session is down.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrTimeout is returned when the broker did not confirm within the bound.
	ErrTimeout = errors.New("transport: timed out")
)

// QoS is the delivery quality requested for a publish or subscription.
type QoS byte

const (
	AtMostOnce  QoS = 0 // fire-and-forget
	AtLeastOnce QoS = 1 // acknowledged
)

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at_most_once"
	case AtLeastOnce:
		return "at_least_once"
	default:
		return fmt.Sprintf("qos(%d)", byte(q))
	}
}

// ParseQoS accepts the config spellings for both delivery qualities.
func ParseQoS(s string) (QoS, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "at_most_once", "at-most-once", "fire_and_forget", "fire-and-forget":
		return AtMostOnce, nil
	case "1", "at_least_once", "at-least-once", "acknowledged", "ack":
		return AtLeastOnce, nil
	default:
		return 0, fmt.Errorf("unknown delivery quality %q", s)
	}
}

// Message is an inbound publication.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Handler consumes messages for one subscription. Calls for a subscription
// are sequential.
type Handler func(Message)

type EventKind int

const (
	Connected EventKind = iota + 1
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a connection lifecycle notification. Clients deliver them on the
// Events channel instead of invoking callbacks over shared state.
type Event struct {
	Kind EventKind
	Err  error
	At   time.Time
}

// Client is what the edge, router and ingestor need from a broker session.
// Reconnect after the first successful Connect is the client's job; it
// reports each transition on Events.
type Client interface {
	Connect(ctx context.Context) error
	Publish(topic string, qos QoS, payload []byte) error
	Subscribe(filter string, qos QoS, h Handler) error
	Events() <-chan Event
	Close()
}

// MatchTopic reports whether topic matches an MQTT filter with + and # wildcards.
func MatchTopic(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
