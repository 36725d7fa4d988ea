package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

var (
	ErrNotFound    = errors.New("memory not found")
	ErrInvalidKind = errors.New("invalid memory kind")
	ErrEmpty       = errors.New("memory content is empty")
)

// Kind classifies a memory item.
type Kind string

const (
	KindExplicit   Kind = "explicit"
	KindImplicit   Kind = "implicit"
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
)

// ParseKind validates s, defaulting the empty string to explicit.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case "":
		return KindExplicit, nil
	case KindExplicit, KindImplicit, KindEpisodic, KindSemantic, KindProcedural:
		return k, nil
	default:
		return "", ErrInvalidKind
	}
}

// Item is a single stored memory.
type Item struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Origin         string         `json:"origin"`
	Kind           Kind           `json:"kind"`
	Category       string         `json:"category"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int            `json:"access_count"`
	Intensity      float64        `json:"intensity"`
	Coherence      float64        `json:"coherence"`
	Accessibility  float64        `json:"accessibility"`
	Tags           []string       `json:"tags"`
	Embedding      []float32      `json:"-"`
	ClusterID      string         `json:"cluster_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	lastDecay time.Time
}

func (it *Item) clone() Item {
	c := *it
	c.Tags = slices.Clone(it.Tags)
	c.Embedding = slices.Clone(it.Embedding)
	c.Metadata = maps.Clone(it.Metadata)
	return c
}

func (it *Item) private() bool {
	p, _ := it.Metadata["private"].(bool)
	return p
}

// Cluster groups items whose content is similar.
type Cluster struct {
	ID          string    `json:"id"`
	Theme       string    `json:"theme"`
	MemberIDs   []string  `json:"member_ids"`
	Strength    float64   `json:"strength"`
	LastUpdated time.Time `json:"last_updated"`
}

func (c *Cluster) clone() Cluster {
	out := *c
	out.MemberIDs = slices.Clone(c.MemberIDs)
	return out
}

// Input describes a memory to store.
type Input struct {
	Content  string         `json:"content"`
	Origin   string         `json:"origin"`
	Kind     Kind           `json:"kind"`
	Category string         `json:"category"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Query selects memories. Zero fields are ignored.
type Query struct {
	Content             string        `json:"content,omitempty"`
	Tags                []string      `json:"tags,omitempty"`
	Origin              string        `json:"origin,omitempty"`
	Kind                Kind          `json:"kind,omitempty"`
	Category            string        `json:"category,omitempty"`
	MinIntensity        float64       `json:"min_intensity,omitempty"`
	MaxAge              Age           `json:"max_age,omitempty"`
	Limit               int           `json:"limit,omitempty"`
	SimilarityThreshold float64       `json:"similarity_threshold,omitempty"`
	IncludePrivate      bool          `json:"include_private,omitempty"`
}

// Age is a query window. JSON accepts a number of seconds or a Go duration
// string such as "36h".
type Age time.Duration

func (a Age) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(a).String())
}

func (a *Age) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*a = Age(time.Duration(v * float64(time.Second)))
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("max age: %w", err)
		}
		*a = Age(d)
	case nil:
		*a = 0
	default:
		return fmt.Errorf("max age: unsupported value %v", v)
	}
	return nil
}

// EvictReason records why items left the store.
type EvictReason string

const (
	EvictDecayed  EvictReason = "decayed"
	EvictCapacity EvictReason = "capacity"
)

// ConsolidationReport summarises one consolidation pass.
type ConsolidationReport struct {
	Decayed        int           `json:"decayed"`
	Evicted        int           `json:"evicted"`
	Remaining      int           `json:"remaining"`
	ClustersPruned int           `json:"clusters_pruned"`
	Clusters       int           `json:"clusters"`
	Duration       time.Duration `json:"duration"`
}

// Stats describes the store's contents.
type Stats struct {
	TotalItems           int            `json:"total_items"`
	ByOrigin             map[string]int `json:"by_origin"`
	ByKind               map[string]int `json:"by_kind"`
	Clusters             int            `json:"clusters"`
	AverageCoherence     float64        `json:"average_coherence"`
	AverageAccessibility float64        `json:"average_accessibility"`
	Oldest               *time.Time     `json:"oldest,omitempty"`
	Newest               *time.Time     `json:"newest,omitempty"`
	LastConsolidation    *time.Time     `json:"last_consolidation,omitempty"`
}
