package gateway

import (
	"time"

	"github.com/nidhogg/sentio/internal/state"
)

// Inbound frame types.
const (
	TypeConsciousnessQuery = "consciousness_query"
	TypeChat               = "chat"
	TypePerformanceQuery   = "performance_query"
	TypeSelfCodingRequest  = "self_coding_request"
	TypeMemoryQuery        = "memory_query"
)

// Outbound frame types.
const (
	TypeResponse            = "response"
	TypeConsciousnessState  = "consciousness_state"
	TypeError               = "error"
	TypePerformanceMetrics  = "performance_metrics"
	TypeModuleActivity      = "module_activity"
	TypeConsciousnessStream = "consciousness_stream"
	TypeCriticalUpdate      = "critical_update"
	TypeMemoryResults       = "memory_results"
	TypeCodeResult          = "code_result"
)

// Inbound is a client request.
type Inbound struct {
	Type     string   `json:"type"`
	Content  string   `json:"content,omitempty"`
	Language string   `json:"language,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// Frame is a server message.
type Frame struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	Content   string         `json:"content,omitempty"`
	State     *state.State   `json:"state,omitempty"`
	Data      any            `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func newFrame(typ string) *Frame {
	return &Frame{Type: typ, Timestamp: time.Now()}
}

func errorFrame(msg string) *Frame {
	f := newFrame(TypeError)
	f.Error = msg
	return f
}

func stateFrame(s state.State) *Frame {
	f := newFrame(TypeConsciousnessState)
	f.State = &s
	return f
}
