package delivery

import "strings"

// Priority orders outbound messages. Lower values are more urgent.
type Priority int

const (
	High Priority = iota
	Medium
	Low
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a name to a Priority, defaulting to Medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "high":
		return High
	case "low":
		return Low
	default:
		return Medium
	}
}

var typePriorities = map[string]Priority{
	"error":                High,
	"critical_update":      High,
	"response":             High,
	"chat":                 Medium,
	"consciousness_state":  Medium,
	"module_activity":      Medium,
	"consciousness_stream": Low,
	"metrics_update":       Low,
	"performance_metrics":  Low,
}

// PriorityFor returns the default priority of an outbound message type.
func PriorityFor(msgType string) Priority {
	if p, ok := typePriorities[msgType]; ok {
		return p
	}
	return Medium
}
