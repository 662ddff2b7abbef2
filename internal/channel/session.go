// Package channel implements the per-connection message handlers: client
// broadcasts and presence tracking, with capability gating on private
// channels.
package channel

import (
	"github.com/floodgate-io/floodgate/internal/authorize"
	"github.com/floodgate-io/floodgate/internal/pubsub"
)

// Reply tells the transport how to answer the client's message.
type Reply int

const (
	// NoReply drops the message silently. Unauthorized traffic on private
	// channels is answered this way so probing reveals nothing.
	NoReply Reply = iota
	// ReplyOK acknowledges the message.
	ReplyOK
	// ReplyError reports a failure to the client.
	ReplyError
)

// Session is one client's subscription to one channel. Policies latch as
// probes run; the rest of the record never changes after join.
type Session struct {
	TenantID string
	Topic    string
	Private  bool

	// Join options.
	SelfBroadcast   bool
	AckBroadcast    bool
	PresenceEnabled bool
	PresenceKey     string

	Policies authorize.Policies
	AuthCtx  authorize.Context

	// SubID identifies the session's fastlane subscription for
	// self-exclusion.
	SubID pubsub.SubID
}

// BusTopic is the bus topic the session's channel fans out on.
func (s *Session) BusTopic() string {
	return pubsub.TenantTopic(s.TenantID, s.Topic, s.Private)
}

// ClientTopic is the topic string the client joined with.
func (s *Session) ClientTopic() string {
	return "realtime:" + s.Topic
}
