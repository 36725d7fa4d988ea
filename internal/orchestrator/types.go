package orchestrator

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/nidhogg/sentio/internal/state"
)

var (
	// ErrNoGenerator is returned when no active module can generate code.
	ErrNoGenerator = errors.New("no code generator registered")
	// ErrUnknownModule is returned for names that were never registered.
	ErrUnknownModule = errors.New("unknown module")
	// ErrDuplicateModule is returned when a name is registered twice.
	ErrDuplicateModule = errors.New("module already registered")
	// ErrNoSubscriber is returned when a module wants events but the
	// orchestrator's bus cannot register handlers.
	ErrNoSubscriber = errors.New("bus does not accept subscriptions")
)

// Module is anything the orchestrator can register. Behaviour comes from
// the optional capability interfaces below.
type Module interface {
	Name() string
}

// Message is a user message as seen by handlers.
type Message struct {
	Content  string      `json:"content"`
	State    state.State `json:"state"`
	Received time.Time   `json:"received"`
}

// Response is one handler's contribution.
type Response struct {
	Summary string      `json:"summary"`
	Data    any         `json:"data,omitempty"`
	Delta   state.Delta `json:"-"`
}

// MessageHandler processes user messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) (Response, error)
}

// StateAnalyzer inspects state on the slow tick and may request changes.
type StateAnalyzer interface {
	AnalyzeState(ctx context.Context, s state.State) (state.Delta, error)
}

// CodeRequest asks a generator for code.
type CodeRequest struct {
	Description string         `json:"description"`
	Language    string         `json:"language,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// CodeResult is generated code.
type CodeResult struct {
	Module      string    `json:"module"`
	Language    string    `json:"language"`
	Code        string    `json:"code"`
	Description string    `json:"description"`
	GeneratedAt time.Time `json:"generated_at"`
}

// CodeGenerator produces code on request.
type CodeGenerator interface {
	GenerateCode(ctx context.Context, req CodeRequest) (CodeResult, error)
}

// EventSubscriber listens to bus events. Handlers are registered once at
// Register and skipped while the module is inactive.
type EventSubscriber interface {
	Subscriptions() map[eventbus.Name]eventbus.Handler
}

// Transform maps the state vector to opaque scores.
type Transform interface {
	Name() string
	Apply(vec []float64) []float64
}

// Capability names reported by Modules.
const (
	CapMessages = "messages"
	CapAnalysis = "analysis"
	CapCodegen  = "codegen"
	CapEvents   = "events"
)

// ModuleResponse is a handler result inside an envelope.
type ModuleResponse struct {
	Module    string  `json:"module"`
	Summary   string  `json:"summary"`
	Data      any     `json:"data,omitempty"`
	ElapsedMs float64 `json:"elapsed_ms"`
}

// Failure records a handler that errored or panicked.
type Failure struct {
	Module string `json:"module"`
	Error  string `json:"error"`
}

// Envelope is the merged result of one Process call.
type Envelope struct {
	ModuleResponses     map[string]ModuleResponse `json:"module_responses"`
	TotalModulesEngaged int                       `json:"total_modules_engaged"`
	ProcessingTimeMs    float64                   `json:"processing_time_ms"`
	State               state.State               `json:"state"`
	Failures            []Failure                 `json:"failures,omitempty"`
}

// ActiveModules returns the names of modules that responded, sorted.
func (e Envelope) ActiveModules() []string {
	names := make([]string, 0, len(e.ModuleResponses))
	for name := range e.ModuleResponses {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Reply is a synthesized answer with its envelope.
type Reply struct {
	Content     string   `json:"content"`
	Fallback    bool     `json:"fallback"`
	SynthesisMs float64  `json:"synthesis_ms"`
	Envelope    Envelope `json:"envelope"`
}

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	Name         string    `json:"name"`
	Active       bool      `json:"active"`
	Capabilities []string  `json:"capabilities"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HealthReport is the outcome of one Tick.
type HealthReport struct {
	Entropy   float64              `json:"entropy"`
	Alert     bool                 `json:"alert"`
	Analyzers int                  `json:"analyzers"`
	Scores    map[string][]float64 `json:"scores,omitempty"`
	Failures  []Failure            `json:"failures,omitempty"`
	State     state.State          `json:"state"`
}
