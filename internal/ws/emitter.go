package ws

import (
	"encoding/json"
	"time"

	"aquachat/pkg/logger"

	"github.com/google/uuid"
)

// Provenance fields added to every outbound payload.
const (
	metaEvent      = "_event"
	metaTimestamp  = "_timestamp"
	metaTargetKind = "_target_kind"
	metaTargetID   = "_target_id"
)

// Target kinds
const (
	TargetConnection = "connection"
	TargetUser       = "user"
	TargetRoom       = "room"
	TargetBroadcast  = "broadcast"
)

// Emitter fans an event out to a target. It carries no business logic: it
// knows how to reach a target, never why. Delivery to zero connections is not
// an error; a failed delivery to one connection never aborts the rest and
// flags that connection for reaping instead of retrying.
type Emitter struct {
	registry *Registry
	logger   *logger.Logger
}

func NewEmitter(registry *Registry, l *logger.Logger) *Emitter {
	return &Emitter{registry: registry, logger: l}
}

func (e *Emitter) envelope(event, kind, targetID string, payload map[string]interface{}) []byte {
	enriched := make(map[string]interface{}, len(payload)+4)
	for k, v := range payload {
		enriched[k] = v
	}
	enriched[metaEvent] = event
	enriched[metaTimestamp] = time.Now().UnixMilli()
	enriched[metaTargetKind] = kind
	enriched[metaTargetID] = targetID

	data, err := json.Marshal(enriched)
	if err != nil {
		if e.logger != nil {
			e.logger.Errorf("failed to marshal %s event: %v", event, err)
		}
		return nil
	}
	return data
}

func (e *Emitter) deliver(c *Client, data []byte) bool {
	if c.Enqueue(data) {
		return true
	}
	e.registry.MarkStale(c.ID)
	return false
}

// ToConnection delivers to a single connection.
func (e *Emitter) ToConnection(connID string, event string, payload map[string]interface{}) bool {
	c, ok := e.registry.Connection(connID)
	if !ok {
		return false
	}
	data := e.envelope(event, TargetConnection, connID, payload)
	if data == nil {
		return false
	}
	return e.deliver(c, data)
}

// ToUser delivers to every live connection of one user and returns how many
// were actually reached. Zero means the recipient is offline.
func (e *Emitter) ToUser(userID uuid.UUID, event string, payload map[string]interface{}) int {
	conns := e.registry.ConnectionsFor(userID)
	if len(conns) == 0 {
		return 0
	}
	data := e.envelope(event, TargetUser, userID.String(), payload)
	if data == nil {
		return 0
	}

	reached := 0
	for _, c := range conns {
		if e.deliver(c, data) {
			reached++
		}
	}
	return reached
}

// ToRoom delivers to every connection joined to a room, optionally excluding
// one connection (typically the originator).
func (e *Emitter) ToRoom(room string, event string, payload map[string]interface{}, excludeConnID string) int {
	members := e.registry.RoomMembers(room)
	if len(members) == 0 {
		return 0
	}
	data := e.envelope(event, TargetRoom, room, payload)
	if data == nil {
		return 0
	}

	reached := 0
	for _, c := range members {
		if c.ID == excludeConnID {
			continue
		}
		if e.deliver(c, data) {
			reached++
		}
	}
	return reached
}

// Broadcast delivers to every live connection.
func (e *Emitter) Broadcast(event string, payload map[string]interface{}) int {
	clients := e.registry.AllClients()
	if len(clients) == 0 {
		return 0
	}
	data := e.envelope(event, TargetBroadcast, "*", payload)
	if data == nil {
		return 0
	}

	reached := 0
	for _, c := range clients {
		if e.deliver(c, data) {
			reached++
		}
	}
	return reached
}
