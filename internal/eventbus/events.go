package eventbus

import "time"

// Name identifies an event kind. The set of names is closed.
type Name string

const (
	Heartbeat          Name = "heartbeat"
	MetricsTick        Name = "metrics_tick"
	StateUpdated       Name = "state_updated"
	MemoryStored       Name = "memory_stored"
	MemoryConsolidated Name = "memory_consolidated"
	UserMessage        Name = "user_message"
	ModuleStatus       Name = "module_status"
	HealthAlert        Name = "health_alert"
	CodeGenerated      Name = "code_generated"
)

var known = map[Name]struct{}{
	Heartbeat:          {},
	MetricsTick:        {},
	StateUpdated:       {},
	MemoryStored:       {},
	MemoryConsolidated: {},
	UserMessage:        {},
	ModuleStatus:       {},
	HealthAlert:        {},
	CodeGenerated:      {},
}

// Known reports whether name belongs to the closed event set.
func Known(name Name) bool {
	_, ok := known[name]
	return ok
}

// Names returns every known event name.
func Names() []Name {
	out := make([]Name, 0, len(known))
	for n := range known {
		out = append(out, n)
	}
	return out
}

// Event is an immutable notification delivered to subscribers.
type Event struct {
	Name      Name      `json:"name"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MemoryStoredPayload accompanies MemoryStored.
type MemoryStoredPayload struct {
	ID        string `json:"id"`
	Origin    string `json:"origin"`
	Kind      string `json:"kind"`
	ClusterID string `json:"cluster_id,omitempty"`
}

// ConsolidatedPayload accompanies MemoryConsolidated.
type ConsolidatedPayload struct {
	Evicted        int `json:"evicted"`
	Remaining      int `json:"remaining"`
	ClustersPruned int `json:"clusters_pruned"`
	ClustersLeft   int `json:"clusters_remaining"`
}

// ModuleStatusPayload accompanies ModuleStatus.
type ModuleStatusPayload struct {
	Module       string   `json:"module"`
	Active       bool     `json:"active"`
	Capabilities []string `json:"capabilities"`
}

// HealthAlertPayload accompanies HealthAlert.
type HealthAlertPayload struct {
	Entropy   float64 `json:"entropy"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// UserMessagePayload accompanies UserMessage.
type UserMessagePayload struct {
	Content string `json:"content"`
}
