package memory

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// cluster attaches item to the cluster of its most similar neighbour, or
// founds a new cluster with that neighbour. Caller holds mu.
func (s *Store) cluster(ctx context.Context, item *Item) {
	hits, err := s.index.Search(ctx, item.Embedding, 1, s.cfg.ClusterThreshold)
	if err != nil {
		s.logger.Warn("cluster search failed", zap.String("id", item.ID), zap.Error(err))
		return
	}
	if len(hits) == 0 {
		return
	}
	peer, ok := s.items[hits[0].ID]
	if !ok {
		return
	}

	now := s.now()
	c := s.clusters[peer.ClusterID]
	if c == nil {
		c = &Cluster{
			ID:        uuid.New().String(),
			Theme:     theme(peer),
			MemberIDs: []string{peer.ID},
		}
		s.clusters[c.ID] = c
		peer.ClusterID = c.ID
	}
	c.MemberIDs = append(c.MemberIDs, item.ID)
	c.LastUpdated = now
	c.Strength = s.clusterStrength(c, now)
	item.ClusterID = c.ID
}

func theme(it *Item) string {
	if len(it.Tags) > 0 {
		return it.Tags[0]
	}
	return it.Category
}

// clusterStrength grows with membership and fades over ClusterRecency.
func (s *Store) clusterStrength(c *Cluster, now time.Time) float64 {
	size := math.Min(1, float64(len(c.MemberIDs))/10)
	recency := 1 - float64(now.Sub(c.LastUpdated))/float64(s.cfg.ClusterRecency)
	recency = math.Max(0, recency)
	return math.Min(1, size+0.2*recency)
}
