package collab

import (
	"encoding/json"
	"log/slog"
	"time"

	v1 "github.com/bsvalues/BCBSGISPRO-sub005/shared/contracts/collab/v1"
)

// Synthetic room id prefixes. Any addressed channel is just a room with a
// deterministic name; there is no separate delivery mechanism.
const (
	userRoomPrefix     = "user:"
	workflowRoomPrefix = "workflow:"
)

// UserRoomID returns the synthetic room carrying per-user notifications.
func UserRoomID(userID string) string { return userRoomPrefix + userID }

// WorkflowRoomID returns the synthetic room carrying workflow updates.
func WorkflowRoomID(workflowID string) string { return workflowRoomPrefix + workflowID }

// Dispatcher fans envelopes out to room members or to every live connection.
//
// Delivery is best-effort: members whose connection is shutting down are
// skipped, full send queues drop the frame. No retry, no queueing.
type Dispatcher struct {
	log     *slog.Logger
	reg     *Registry
	metrics *Metrics
}

// NewDispatcher constructs a dispatcher over the given registry.
func NewDispatcher(log *slog.Logger, reg *Registry, m *Metrics) *Dispatcher {
	return &Dispatcher{log: log, reg: reg, metrics: m}
}

// SendToRoom delivers env to the room's current members. The membership
// snapshot is taken once; the room does not need to still exist when the
// sends complete.
func (d *Dispatcher) SendToRoom(roomID string, env v1.Envelope) {
	for _, c := range d.reg.MembersOf(roomID) {
		d.deliver(c, env)
	}
}

// BroadcastAll delivers env to every live connection.
func (d *Dispatcher) BroadcastAll(env v1.Envelope) {
	for _, c := range d.reg.LiveConns() {
		d.deliver(c, env)
	}
}

// SendTo delivers env to a single connection, skipping it when closed.
func (d *Dispatcher) SendTo(c *Conn, env v1.Envelope) bool {
	return d.deliver(c, env)
}

// NotifyUser delivers env on the user's addressed channel.
func (d *Dispatcher) NotifyUser(userID string, env v1.Envelope) {
	d.SendToRoom(UserRoomID(userID), env)
}

// Achievement sends an achievement notice on the user's addressed channel.
func (d *Dispatcher) Achievement(userID string, p v1.AchievementPayload) {
	body, _ := json.Marshal(p)
	d.NotifyUser(userID, v1.Envelope{
		Type:      v1.TypeAchievement,
		RoomID:    UserRoomID(userID),
		UserID:    userID,
		Timestamp: v1.Millis(time.Now().UTC()),
		Payload:   body,
	})
}

// WorkflowUpdate sends a workflow status notice on the workflow's channel.
func (d *Dispatcher) WorkflowUpdate(workflowID string, p v1.WorkflowUpdatePayload) {
	body, _ := json.Marshal(p)
	d.SendToRoom(WorkflowRoomID(workflowID), v1.Envelope{
		Type:      v1.TypeWorkflowUpdate,
		RoomID:    WorkflowRoomID(workflowID),
		Timestamp: v1.Millis(time.Now().UTC()),
		Payload:   body,
	})
}

// SystemNotification broadcasts an operator notice to every connection.
func (d *Dispatcher) SystemNotification(message, severity string) {
	body, _ := json.Marshal(v1.NotificationPayload{Message: message, Severity: severity})
	d.BroadcastAll(v1.Envelope{
		Type:      v1.TypeSystemNotification,
		Timestamp: v1.Millis(time.Now().UTC()),
		Payload:   body,
	})
}

// deliver enqueues env on one connection without blocking. Closed
// connections are skipped silently; a full queue drops the frame rather
// than stalling the whole fanout.
func (d *Dispatcher) deliver(c *Conn, env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.Done():
		return false
	default:
	}

	select {
	case c.Send <- env:
		if d.metrics != nil {
			d.metrics.Deliveries.Inc()
		}
		return true
	default:
		if d.metrics != nil {
			d.metrics.DeliveryDrops.Inc()
		}
		d.log.Debug("dispatch.drop.backpressure", "conn_id", c.ID, "type", env.Type)
		return false
	}
}
