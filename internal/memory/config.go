package memory

import "time"

// Config tunes clustering, decay and ranking. Zero fields take defaults.
type Config struct {
	MaxItems             int           `json:"max_items"`
	ClusterThreshold     float64       `json:"cluster_threshold"`    // cosine similarity needed to cluster
	SimilarityThreshold  float64       `json:"similarity_threshold"` // default retrieval threshold
	DefaultLimit         int           `json:"default_limit"`
	CandidateLimit       int           `json:"candidate_limit"` // first similarity page size; widened until exhausted
	HalfLife             time.Duration `json:"half_life"`       // accessibility halves over this period
	AccessibilityFloor   float64       `json:"accessibility_floor"`
	ClusterStrengthFloor float64       `json:"cluster_strength_floor"`
	AccessBoost          float64       `json:"access_boost"`
	RecencyWindow        time.Duration `json:"recency_window"`
	ClusterRecency       time.Duration `json:"cluster_recency"`
	MaxTags              int           `json:"max_tags"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MaxItems:             100_000,
		ClusterThreshold:     0.7,
		SimilarityThreshold:  0.5,
		DefaultLimit:         20,
		CandidateLimit:       256,
		HalfLife:             168 * time.Hour,
		AccessibilityFloor:   0.1,
		ClusterStrengthFloor: 0.1,
		AccessBoost:          0.01,
		RecencyWindow:        30 * 24 * time.Hour,
		ClusterRecency:       7 * 24 * time.Hour,
		MaxTags:              5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxItems <= 0 {
		c.MaxItems = d.MaxItems
	}
	if c.ClusterThreshold == 0 {
		c.ClusterThreshold = d.ClusterThreshold
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.HalfLife <= 0 {
		c.HalfLife = d.HalfLife
	}
	if c.AccessibilityFloor == 0 {
		c.AccessibilityFloor = d.AccessibilityFloor
	}
	if c.ClusterStrengthFloor == 0 {
		c.ClusterStrengthFloor = d.ClusterStrengthFloor
	}
	if c.AccessBoost == 0 {
		c.AccessBoost = d.AccessBoost
	}
	if c.RecencyWindow <= 0 {
		c.RecencyWindow = d.RecencyWindow
	}
	if c.ClusterRecency <= 0 {
		c.ClusterRecency = d.ClusterRecency
	}
	if c.MaxTags <= 0 {
		c.MaxTags = d.MaxTags
	}
	return c
}
