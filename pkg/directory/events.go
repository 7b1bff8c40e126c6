package directory

import (
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/streamlogio/streamlog/pkg/core"
)

// ConversationCreatedEvent mirrors the directory service's event feed
// payload for a newly created conversation (= stream).
type ConversationCreatedEvent struct {
	StreamID int64  `json:"stream_id"`
	OwnerID  string `json:"owner_id"`
}

// EventSubscriber is an optional NATS subscription to the directory
// service's "conversation created" subject. It exists for operator
// visibility (logs/metrics of conversation churn) — no part of the
// engine or RPC layer depends on it; streams are created implicitly on
// first append regardless of whether this subscription is running.
type EventSubscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger core.Logger
}

// Subject the directory service publishes newly created conversations to.
const ConversationCreatedSubject = "directory.conversation.created"

// NewEventSubscriber connects to url and subscribes to
// ConversationCreatedSubject, invoking onCreated for each decoded event.
func NewEventSubscriber(url string, logger core.Logger, onCreated func(ConversationCreatedEvent)) (*EventSubscriber, error) {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	s := &EventSubscriber{nc: nc, logger: logger}

	sub, err := nc.Subscribe(ConversationCreatedSubject, func(msg *nats.Msg) {
		var evt ConversationCreatedEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			logger.Warnf("directory: discarding malformed conversation-created event: %v", err)
			return
		}
		logger.Infof("directory: conversation created: stream_id=%d owner_id=%s", evt.StreamID, evt.OwnerID)
		if onCreated != nil {
			onCreated(evt)
		}
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.sub = sub

	return s, nil
}

// Close unsubscribes and closes the underlying NATS connection.
func (s *EventSubscriber) Close() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return err
	}
	s.nc.Close()
	return nil
}
