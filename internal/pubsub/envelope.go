package pubsub

import "encoding/json"

// Event names delivered through the bus.
const (
	EventBroadcast    = "broadcast"
	EventPresenceDiff = "presence_diff"
	EventReady        = "ready"
	EventSuspend      = "suspend_tenant"
	EventUnsuspend    = "unsuspend_tenant"
	EventDisconnect   = "disconnect"
	EventDown         = "down"
)

// Broadcast is the wire envelope every fan-out frame uses, whether the
// message originated from a client or from a replicated database row.
// Ref is always null for server-originated frames.
type Broadcast struct {
	Event   string  `json:"event"`
	Topic   string  `json:"topic"`
	Ref     *string `json:"ref"`
	Payload any     `json:"payload"`
}

// Frame renders the envelope to its wire bytes. The bus encodes once per
// publish and shares the bytes across every fastlane sink.
func (b *Broadcast) Frame() ([]byte, error) {
	return json.Marshal(b)
}

// TenantTopic combines tenant, visibility and topic into the bus topic.
// Private channels fan out in their own namespace so a subscriber on the
// public topic can never receive private traffic of the same name.
func TenantTopic(externalID, topic string, private bool) string {
	visibility := "public"
	if private {
		visibility = "private"
	}
	return externalID + ":" + visibility + ":" + topic
}

// ReadyTopic is the local bus topic a tenant's readiness is announced on.
func ReadyTopic(externalID string) string {
	return "connect:" + externalID
}

// OperationsTopic is the cluster bus topic operator commands arrive on.
func OperationsTopic(externalID string) string {
	return "floodgate:operations:" + externalID
}

// DownTopic is the local bus topic a registry claim's removal is announced on.
func DownTopic(scope, name string) string {
	return scope + "_down:" + name
}
