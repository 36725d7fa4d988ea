package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/nidhogg/sentio/internal/eventbus"
	"go.uber.org/zap"
)

// Consolidate decays every item by the time since its last pass, evicts
// faded items that were never recalled, and prunes weak clusters.
func (s *Store) Consolidate(ctx context.Context) ConsolidationReport {
	start := time.Now()

	s.mu.Lock()
	now := s.now()
	var report ConsolidationReport
	var faded []string
	for id, it := range s.items {
		if s.decay(it, now) {
			report.Decayed++
		}
		if it.Accessibility < s.cfg.AccessibilityFloor && it.AccessCount == 0 {
			faded = append(faded, id)
		}
	}
	sort.Strings(faded)
	evicted := s.remove(ctx, faded)
	report.Evicted = len(evicted)

	for id, c := range s.clusters {
		c.Strength = s.clusterStrength(c, now)
		if c.Strength < s.cfg.ClusterStrengthFloor {
			for _, mid := range c.MemberIDs {
				if it := s.items[mid]; it != nil {
					it.ClusterID = ""
				}
			}
			delete(s.clusters, id)
			report.ClustersPruned++
		}
	}
	report.Remaining = len(s.items)
	report.Clusters = len(s.clusters)
	s.lastPass = now
	clusters := s.clusterSnapshot()
	observers := s.observers
	s.mu.Unlock()

	report.Duration = time.Since(start)
	s.logger.Info("memory consolidation complete",
		zap.Int("decayed", report.Decayed),
		zap.Int("evicted", report.Evicted),
		zap.Int("remaining", report.Remaining),
		zap.Int("clusters_pruned", report.ClustersPruned),
		zap.Duration("took", report.Duration))

	notifyEvicted(observers, evicted, EvictDecayed)
	for _, o := range observers {
		o.MemoryConsolidated(report, clusters)
	}
	s.publish(eventbus.MemoryConsolidated, eventbus.ConsolidatedPayload{
		Evicted:        report.Evicted,
		Remaining:      report.Remaining,
		ClustersPruned: report.ClustersPruned,
		ClustersLeft:   report.Clusters,
	})
	return report
}

// decay applies exponential decay for the time elapsed since the item's
// last pass. Coherence fades at half the accessibility rate. It reports
// whether anything changed. Caller holds mu.
func (s *Store) decay(it *Item, now time.Time) bool {
	elapsed := now.Sub(it.lastDecay)
	if elapsed <= 0 {
		return false
	}
	halfLives := float64(elapsed) / float64(s.cfg.HalfLife)
	it.Accessibility *= math.Pow(0.5, halfLives)
	it.Coherence *= math.Pow(0.5, halfLives/2)
	it.lastDecay = now
	return true
}

// EnforceCapacity evicts the lowest-scoring items until the store is at or
// below MaxItems. It returns the number evicted.
func (s *Store) EnforceCapacity(ctx context.Context) int {
	s.mu.Lock()
	evicted := s.enforceCapacity(ctx)
	observers := s.observers
	s.mu.Unlock()

	notifyEvicted(observers, evicted, EvictCapacity)
	return len(evicted)
}

// enforceCapacity is EnforceCapacity with mu held.
func (s *Store) enforceCapacity(ctx context.Context) []Item {
	excess := len(s.items) - s.cfg.MaxItems
	if excess <= 0 {
		return nil
	}
	now := s.now()
	type scored struct {
		id    string
		score float64
		at    time.Time
	}
	all := make([]scored, 0, len(s.items))
	for id, it := range s.items {
		all = append(all, scored{id: id, score: s.score(it, now), at: it.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].at.Before(all[j].at)
	})
	ids := make([]string, excess)
	for i := range ids {
		ids[i] = all[i].id
	}
	evicted := s.remove(ctx, ids)
	s.logger.Info("memory capacity enforced",
		zap.Int("evicted", len(evicted)),
		zap.Int("max_items", s.cfg.MaxItems))
	return evicted
}
