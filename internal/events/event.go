package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Topic names a stream of events on the bus.
type Topic string

const (
	// TopicMatchComputed carries committed matches to the instance that
	// delivers match-found to both users.
	TopicMatchComputed Topic = "match-computed"
	// TopicCallEnded carries finished calls to the telemetry sink.
	TopicCallEnded Topic = "call-ended"
	// TopicErrorLogs carries client and server errors to the telemetry sink.
	TopicErrorLogs Topic = "error-logs"
)

// Topics lists every topic known to the bus.
var Topics = []Topic{TopicMatchComputed, TopicCallEnded, TopicErrorLogs}

// Event is the wire representation carried by every driver. Exactly one
// payload pointer is set, matching Topic.
type Event struct {
	ID         string         `json:"id"`
	Topic      Topic          `json:"topic"`
	Match      *MatchComputed `json:"match,omitempty"`
	CallEnded  *CallEnded     `json:"callEnded,omitempty"`
	Error      *ErrorLog      `json:"error,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`

	// receipt identifies the delivery for Subscription.Ack.
	receipt string
}

// MatchComputed announces that CallerID and CalleeID were paired. The caller
// is the initiator and sends the offer.
type MatchComputed struct {
	CallerID    string `json:"callerId"`
	CalleeID    string `json:"calleeId"`
	IsInitiator bool   `json:"isInitiator"`
}

// CallEnded records a finished call.
type CallEnded struct {
	CallerID        string `json:"callerId"`
	CalleeID        string `json:"calleeId"`
	DurationSeconds int64  `json:"durationSeconds"`
}

// ErrorLog is an error surfaced to a client or raised by a component.
type ErrorLog struct {
	Source  string `json:"source"`
	UserID  string `json:"userId,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func newEvent(topic Topic) Event {
	return Event{ID: uuid.NewString(), Topic: topic, OccurredAt: time.Now().UTC()}
}

func NewMatchComputed(callerID, calleeID string) Event {
	e := newEvent(TopicMatchComputed)
	e.Match = &MatchComputed{CallerID: callerID, CalleeID: calleeID, IsInitiator: true}
	return e
}

func NewCallEnded(callerID, calleeID string, durationSeconds int64) Event {
	e := newEvent(TopicCallEnded)
	e.CallEnded = &CallEnded{CallerID: callerID, CalleeID: calleeID, DurationSeconds: durationSeconds}
	return e
}

func NewErrorLog(source, userID, kind, message string) Event {
	e := newEvent(TopicErrorLogs)
	e.Error = &ErrorLog{Source: source, UserID: userID, Kind: kind, Message: message}
	return e
}

// Validate checks that the event can be published.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("event id is required")
	}
	switch e.Topic {
	case TopicMatchComputed:
		if e.Match == nil || e.Match.CallerID == "" || e.Match.CalleeID == "" {
			return errors.New("match-computed event needs both users")
		}
	case TopicCallEnded:
		if e.CallEnded == nil || e.CallEnded.CallerID == "" || e.CallEnded.CalleeID == "" {
			return errors.New("call-ended event needs both users")
		}
	case TopicErrorLogs:
		if e.Error == nil || e.Error.Message == "" {
			return errors.New("error-logs event needs a message")
		}
	case "":
		return errors.New("event topic is required")
	default:
		return fmt.Errorf("unknown topic %q", e.Topic)
	}
	return nil
}
