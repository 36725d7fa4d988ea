package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/sentio/internal/memory"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// ArchivedMemory is a memory row that left the live store.
type ArchivedMemory struct {
	memory.Item
	EvictedAt   time.Time `json:"evicted_at"`
	EvictReason string    `json:"evict_reason"`
}

// MemoryEvicted implements memory.Observer by copying evicted items into
// memory_archive. Failures are logged.
func (s *Store) MemoryEvicted(items []memory.Item, reason memory.EvictReason) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.ArchiveMemories(ctx, items, reason); err != nil {
		s.logger.Warn("archive evicted memories failed", zap.Int("count", len(items)), zap.Error(err))
	}
}

// MemoryConsolidated implements memory.Observer by appending to consolidation_log.
func (s *Store) MemoryConsolidated(report memory.ConsolidationReport, _ []memory.Cluster) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := s.db.Exec(ctx, `
		INSERT INTO consolidation_log (decayed, evicted, remaining, clusters, clusters_pruned, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		report.Decayed, report.Evicted, report.Remaining, report.Clusters,
		report.ClustersPruned, report.Duration.Milliseconds(),
	)
	if err != nil {
		s.logger.Warn("log consolidation failed", zap.Error(err))
	}
}

// ArchiveMemories writes items in one batch.
func (s *Store) ArchiveMemories(ctx context.Context, items []memory.Item, reason memory.EvictReason) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, it := range items {
		meta, err := json.Marshal(it.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata %s: %w", it.ID, err)
		}
		batch.Queue(`
			INSERT INTO memory_archive (id, content, origin, kind, category, tags,
				intensity, coherence, accessibility, access_count, cluster_id, metadata,
				created_at, last_accessed_at, evict_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14, $15)
			ON CONFLICT (id) DO NOTHING`,
			it.ID, it.Content, it.Origin, string(it.Kind), it.Category, it.Tags,
			it.Intensity, it.Coherence, it.Accessibility, it.AccessCount, it.ClusterID, meta,
			it.CreatedAt, it.LastAccessedAt, string(reason),
		)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archive memories: %w", err)
	}
	s.logger.Debug("memories archived", zap.Int("count", len(items)), zap.String("reason", string(reason)))
	return nil
}

// ListArchived returns the most recently archived memories.
func (s *Store) ListArchived(ctx context.Context, limit int) ([]ArchivedMemory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, content, origin, kind, category, tags, intensity, coherence,
		       accessibility, access_count, COALESCE(cluster_id, ''), metadata,
		       created_at, last_accessed_at, evicted_at, evict_reason
		FROM memory_archive
		ORDER BY evicted_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived: %w", err)
	}
	defer rows.Close()

	var out []ArchivedMemory
	for rows.Next() {
		var (
			a    ArchivedMemory
			kind string
			meta []byte
		)
		if err := rows.Scan(&a.ID, &a.Content, &a.Origin, &kind, &a.Category, &a.Tags,
			&a.Intensity, &a.Coherence, &a.Accessibility, &a.AccessCount, &a.ClusterID, &meta,
			&a.CreatedAt, &a.LastAccessedAt, &a.EvictedAt, &a.EvictReason); err != nil {
			return nil, fmt.Errorf("scan archived: %w", err)
		}
		a.Kind = memory.Kind(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata %s: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
