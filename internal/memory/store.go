package memory

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/sentio/internal/embedding"
	"github.com/nidhogg/sentio/internal/eventbus"
	"go.uber.org/zap"
)

// Observer is notified after items leave the store and after each
// consolidation pass. Calls happen outside the store lock.
type Observer interface {
	MemoryEvicted(items []Item, reason EvictReason)
	MemoryConsolidated(report ConsolidationReport, clusters []Cluster)
}

// Store is the associative memory. Store, Retrieve, Consolidate and
// EnforceCapacity are serialized by a single mutex.
type Store struct {
	mu        sync.Mutex
	items     map[string]*Item
	clusters  map[string]*Cluster
	tagIndex  map[string]map[string]struct{}
	lastPass  time.Time
	observers []Observer

	cfg      Config
	embedder embedding.Provider
	index    VectorIndex
	bus      eventbus.Publisher
	now      func() time.Time
	logger   *zap.Logger
}

// NewStore creates a memory store. index defaults to a FlatIndex; bus may be nil.
func NewStore(cfg Config, embedder embedding.Provider, index VectorIndex, bus eventbus.Publisher, logger *zap.Logger) *Store {
	if embedder == nil {
		embedder = embedding.NewHashProvider(0)
	}
	if index == nil {
		index = NewFlatIndex()
	}
	return &Store{
		items:    make(map[string]*Item),
		clusters: make(map[string]*Cluster),
		tagIndex: make(map[string]map[string]struct{}),
		cfg:      cfg.withDefaults(),
		embedder: embedder,
		index:    index,
		bus:      bus,
		now:      time.Now,
		logger:   logger,
	}
}

// AddObserver registers o for eviction and consolidation callbacks.
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// Store records a new memory and returns its id.
func (s *Store) Store(ctx context.Context, in Input) (string, error) {
	if strings.TrimSpace(in.Content) == "" {
		return "", ErrEmpty
	}
	kind, err := ParseKind(string(in.Kind))
	if err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}
	vecs, err := s.embedder.Embed(ctx, []string{in.Content})
	if err != nil {
		return "", fmt.Errorf("embed memory: %w", err)
	}

	now := s.now()
	item := &Item{
		ID:             uuid.New().String(),
		Content:        in.Content,
		Origin:         in.Origin,
		Kind:           kind,
		Category:       in.Category,
		CreatedAt:      now,
		LastAccessedAt: now,
		Intensity:      intensity(in.Content),
		Coherence:      coherence(in.Content),
		Accessibility:  1.0,
		Tags:           extractTags(in.Content, in.Metadata, s.cfg.MaxTags),
		Embedding:      vecs[0],
		Metadata:       maps.Clone(in.Metadata),
		lastDecay:      now,
	}
	if item.Category == "" {
		item.Category = "general"
	}

	s.mu.Lock()
	s.cluster(ctx, item)
	s.items[item.ID] = item
	for _, t := range item.Tags {
		set, ok := s.tagIndex[t]
		if !ok {
			set = make(map[string]struct{})
			s.tagIndex[t] = set
		}
		set[item.ID] = struct{}{}
	}
	if err := s.index.Upsert(ctx, item.ID, item.Embedding); err != nil {
		s.logger.Warn("index memory failed", zap.String("id", item.ID), zap.Error(err))
	}
	evicted := s.enforceCapacity(ctx)
	observers := s.observers
	clusterID := item.ClusterID
	s.mu.Unlock()

	s.logger.Debug("memory stored",
		zap.String("id", item.ID),
		zap.String("origin", item.Origin),
		zap.String("cluster", clusterID))

	s.publish(eventbus.MemoryStored, eventbus.MemoryStoredPayload{
		ID: item.ID, Origin: item.Origin, Kind: string(item.Kind), ClusterID: clusterID,
	})
	notifyEvicted(observers, evicted, EvictCapacity)
	return item.ID, nil
}

// Get returns a copy of the item without touching its access stats.
func (s *Store) Get(id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return it.clone(), nil
}

// Access refreshes an item as if it had been recalled.
func (s *Store) Access(id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	s.access(it)
	return it.clone(), nil
}

// access never lowers accessibility. Caller holds mu.
func (s *Store) access(it *Item) {
	it.AccessCount++
	it.LastAccessedAt = s.now()
	it.Accessibility = math.Min(1, it.Accessibility+s.cfg.AccessBoost)
}

// Retrieve returns ranked copies of matching items and marks each as accessed.
func (s *Store) Retrieve(ctx context.Context, q Query) ([]Item, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	threshold := q.SimilarityThreshold
	if threshold <= 0 {
		threshold = s.cfg.SimilarityThreshold
	}

	var qvec []float32
	if strings.TrimSpace(q.Content) != "" {
		vecs, err := s.embedder.Embed(ctx, []string{q.Content})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		qvec = vecs[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	candidates := make(map[string]*Item)
	if qvec != nil {
		for _, h := range s.similar(ctx, qvec, threshold) {
			if it, ok := s.items[h.ID]; ok {
				candidates[it.ID] = it
			}
		}
	}
	for _, t := range q.Tags {
		for id := range s.tagIndex[strings.ToLower(t)] {
			candidates[id] = s.items[id]
		}
	}

	var matched []*Item
	if len(candidates) == 0 {
		matched = s.recent(q, now, limit)
	} else {
		for _, it := range candidates {
			if s.matches(it, q, now) {
				matched = append(matched, it)
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		si, sj := s.score(matched[i], now), s.score(matched[j], now)
		if si != sj {
			return si > sj
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]Item, len(matched))
	for i, it := range matched {
		s.access(it)
		out[i] = it.clone()
	}
	return out, nil
}

// similar returns every indexed hit at or above threshold. The page starts at
// CandidateLimit and doubles until the index returns a short page, so query
// filters never see a truncated candidate set. Caller holds mu.
func (s *Store) similar(ctx context.Context, qvec []float32, threshold float64) []Hit {
	k := s.cfg.CandidateLimit
	for {
		hits, err := s.index.Search(ctx, qvec, k, threshold)
		if err != nil {
			s.logger.Warn("memory similarity search failed", zap.Error(err))
			return hits
		}
		if len(hits) < k || k >= len(s.items) {
			return hits
		}
		k *= 2
	}
}

// recent returns the limit newest items passing q's filters. Caller holds mu.
func (s *Store) recent(q Query, now time.Time, limit int) []*Item {
	all := make([]*Item, 0, len(s.items))
	for _, it := range s.items {
		if s.matches(it, q, now) {
			all = append(all, it)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

func (s *Store) matches(it *Item, q Query, now time.Time) bool {
	switch {
	case q.Origin != "" && it.Origin != q.Origin:
		return false
	case q.Kind != "" && it.Kind != q.Kind:
		return false
	case q.Category != "" && it.Category != q.Category:
		return false
	case it.Intensity < q.MinIntensity:
		return false
	case q.MaxAge > 0 && now.Sub(it.CreatedAt) > time.Duration(q.MaxAge):
		return false
	case it.private() && !q.IncludePrivate:
		return false
	}
	return true
}

// score ranks items for retrieval and, ascending, for capacity eviction.
func (s *Store) score(it *Item, now time.Time) float64 {
	recency := 1 - float64(now.Sub(it.CreatedAt))/float64(s.cfg.RecencyWindow)
	recency = math.Max(0, math.Min(1, recency))
	usage := math.Min(1, float64(it.AccessCount)/10)
	return 0.3*it.Intensity + 0.3*it.Accessibility + 0.2*recency + 0.2*usage
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Clusters returns copies of all clusters, strongest first.
func (s *Store) Clusters() []Cluster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterSnapshot()
}

func (s *Store) clusterSnapshot() []Cluster {
	out := make([]Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out
}

// Stats summarises the store.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		TotalItems: len(s.items),
		ByOrigin:   make(map[string]int),
		ByKind:     make(map[string]int),
		Clusters:   len(s.clusters),
	}
	var oldest, newest time.Time
	for _, it := range s.items {
		st.ByOrigin[it.Origin]++
		st.ByKind[string(it.Kind)]++
		st.AverageCoherence += it.Coherence
		st.AverageAccessibility += it.Accessibility
		if oldest.IsZero() || it.CreatedAt.Before(oldest) {
			oldest = it.CreatedAt
		}
		if it.CreatedAt.After(newest) {
			newest = it.CreatedAt
		}
	}
	if n := len(s.items); n > 0 {
		st.AverageCoherence /= float64(n)
		st.AverageAccessibility /= float64(n)
		st.Oldest, st.Newest = &oldest, &newest
	}
	if !s.lastPass.IsZero() {
		lp := s.lastPass
		st.LastConsolidation = &lp
	}
	return st
}

// remove deletes items from every structure. Caller holds mu.
func (s *Store) remove(ctx context.Context, ids []string) []Item {
	if len(ids) == 0 {
		return nil
	}
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		it, ok := s.items[id]
		if !ok {
			continue
		}
		for _, t := range it.Tags {
			if set := s.tagIndex[t]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(s.tagIndex, t)
				}
			}
		}
		if c := s.clusters[it.ClusterID]; c != nil {
			c.MemberIDs = removeString(c.MemberIDs, id)
			if len(c.MemberIDs) == 0 {
				delete(s.clusters, c.ID)
			}
		}
		delete(s.items, id)
		out = append(out, it.clone())
	}
	if err := s.index.Delete(ctx, ids...); err != nil {
		s.logger.Warn("unindex memories failed", zap.Int("count", len(ids)), zap.Error(err))
	}
	return out
}

func (s *Store) publish(name eventbus.Name, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(name, payload); err != nil {
		s.logger.Warn("publish memory event failed", zap.String("event", string(name)), zap.Error(err))
	}
}

func notifyEvicted(observers []Observer, items []Item, reason EvictReason) {
	if len(items) == 0 {
		return
	}
	for _, o := range observers {
		o.MemoryEvicted(items, reason)
	}
}

func removeString(list []string, v string) []string {
	for i, x := range list {
		if x == v {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
