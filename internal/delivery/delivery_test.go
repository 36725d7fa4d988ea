package delivery

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type sent struct {
	client string
	msg    any
}

type recordingSink struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingSink) sink(clientID string, msg any) {
	r.mu.Lock()
	r.sent = append(r.sent, sent{clientID, msg})
	r.mu.Unlock()
}

func (r *recordingSink) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func (r *recordingSink) frames() []*BatchFrame {
	var out []*BatchFrame
	for _, s := range r.all() {
		if f, ok := s.msg.(*BatchFrame); ok {
			out = append(out, f)
		}
	}
	return out
}

func newTestOptimizer(t *testing.T, cfg Config) (*Optimizer, *recordingSink) {
	t.Helper()
	rec := &recordingSink{}
	return New(cfg, rec.sink, zap.NewNop()), rec
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestHighPriorityDispatchesImmediately(t *testing.T) {
	opt, rec := newTestOptimizer(t, Config{})
	for i := 0; i < 15; i++ {
		opt.Enqueue("c1", i, High)
	}
	got := rec.all()
	if len(got) != 15 {
		t.Fatalf("got %d dispatches, want 15", len(got))
	}
	for i, s := range got {
		if s.msg != i {
			t.Errorf("dispatch %d carried %v", i, s.msg)
		}
	}
	if opt.Snapshot().ActiveBatches != 0 || len(rec.frames()) != 0 {
		t.Error("HIGH messages were batched")
	}
}

func TestBatchFlushesOnceAfterWait(t *testing.T) {
	opt, rec := newTestOptimizer(t, Config{MaxBatchWait: 30 * time.Millisecond})
	for i := 0; i < 4; i++ {
		opt.Enqueue("c1", i, Medium)
	}
	if len(rec.all()) != 0 {
		t.Fatal("batch flushed before wait elapsed")
	}
	time.Sleep(150 * time.Millisecond)

	frames := rec.frames()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Type != "batched_messages" || f.BatchSize != 4 || f.Priority != "medium" {
		t.Errorf("unexpected frame %+v", f)
	}
	for i, m := range f.Messages {
		if m != i {
			t.Errorf("message %d = %v, order not preserved", i, m)
		}
	}
	if opt.Snapshot().BatchesFlushed != 1 {
		t.Errorf("batches flushed = %d", opt.Snapshot().BatchesFlushed)
	}
}

func TestBatchFlushesImmediatelyAtSize(t *testing.T) {
	opt, rec := newTestOptimizer(t, Config{MaxBatchSize: 3, MaxBatchWait: 30 * time.Millisecond})
	opt.Enqueue("c1", "a", Low)
	opt.Enqueue("c1", "b", Low)
	opt.Enqueue("c1", "c", Low)

	frames := rec.frames()
	if len(frames) != 1 || frames[0].BatchSize != 3 {
		t.Fatalf("size flush did not happen synchronously: %+v", frames)
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(rec.frames()); n != 1 {
		t.Errorf("timer flushed again, frames = %d", n)
	}
}

func TestBatchesAreKeyedByClientAndPriority(t *testing.T) {
	opt, rec := newTestOptimizer(t, Config{MaxBatchWait: time.Hour})
	opt.Enqueue("c1", 1, Medium)
	opt.Enqueue("c1", 2, Low)
	opt.Enqueue("c2", 3, Medium)
	if n := opt.Snapshot().ActiveBatches; n != 3 {
		t.Fatalf("active batches = %d, want 3", n)
	}
	if n := opt.FlushAll(); n != 3 {
		t.Errorf("FlushAll flushed %d, want 3", n)
	}
	if len(rec.frames()) != 3 || opt.Snapshot().ActiveBatches != 0 {
		t.Error("FlushAll left batches behind")
	}
}

func TestDropClientDiscardsPending(t *testing.T) {
	opt, rec := newTestOptimizer(t, Config{MaxBatchWait: 20 * time.Millisecond})
	opt.Enqueue("gone", 1, Medium)
	opt.Enqueue("stay", 2, Medium)
	opt.DropClient("gone")
	time.Sleep(100 * time.Millisecond)

	for _, s := range rec.all() {
		if s.client == "gone" {
			t.Fatal("dropped client still received a batch")
		}
	}
	if len(rec.frames()) != 1 {
		t.Errorf("remaining client frames = %d, want 1", len(rec.frames()))
	}
}

func TestSweepBatchesFlushesOnlyStale(t *testing.T) {
	opt, rec := newTestOptimizer(t, Config{MaxBatchWait: time.Hour, StaleBatchAge: 20 * time.Millisecond})
	opt.Enqueue("old", 1, Low)
	time.Sleep(40 * time.Millisecond)
	opt.Enqueue("new", 2, Low)

	if n := opt.SweepBatches(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	got := rec.all()
	if len(got) != 1 || got[0].client != "old" {
		t.Errorf("unexpected flush %+v", got)
	}
}

func TestCacheTTLBoundary(t *testing.T) {
	opt, _ := newTestOptimizer(t, Config{})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	opt.cache.now = clock.Now

	opt.CacheSet("k", "v", 5*time.Second)
	clock.Advance(5*time.Second - time.Nanosecond)
	if v, ok := opt.CacheGet("k"); !ok || v != "v" {
		t.Fatalf("miss before expiry: %v %v", v, ok)
	}
	clock.Advance(time.Nanosecond)
	if _, ok := opt.CacheGet("k"); ok {
		t.Fatal("hit at expiry instant")
	}
	if opt.cache.Len() != 0 {
		t.Error("expired entry not purged on lookup")
	}
	s := opt.Snapshot()
	if s.CacheHits != 1 || s.CacheMisses != 1 || s.CacheHitRate != 0.5 {
		t.Errorf("cache metrics %+v", s)
	}
}

func TestCacheEvictsSoonestExpiring(t *testing.T) {
	opt, _ := newTestOptimizer(t, Config{MaxCacheSize: 2})
	opt.CacheSet("long", 1, time.Hour)
	opt.CacheSet("short", 2, time.Second)
	opt.CacheSet("new", 3, time.Minute)

	if opt.cache.Len() != 2 {
		t.Fatalf("cache len = %d, want 2", opt.cache.Len())
	}
	if _, ok := opt.CacheGet("short"); ok {
		t.Error("soonest-expiring entry survived")
	}
	if _, ok := opt.CacheGet("long"); !ok {
		t.Error("long-lived entry evicted")
	}
	opt.CacheSet("long", 4, time.Hour)
	if opt.cache.Len() != 2 {
		t.Error("overwriting an existing key evicted another entry")
	}
}

func TestCacheSweep(t *testing.T) {
	opt, _ := newTestOptimizer(t, Config{})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	opt.cache.now = clock.Now
	opt.CacheSetCategory(CategoryState, "s", 1)
	opt.CacheSetCategory(CategoryUserMessage, "u", 2)
	clock.Advance(10 * time.Second)
	if n := opt.SweepCache(); n != 1 {
		t.Errorf("swept %d, want 1 (state TTL is 5s)", n)
	}
}

func TestConnectionIdleSweep(t *testing.T) {
	opt, _ := newTestOptimizer(t, Config{MaxIdleTime: time.Minute, ConnectionTimeout: time.Hour})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	opt.pool.now = clock.Now

	opt.GetConnection("idle", "websocket")
	opt.GetConnection("busy", "websocket")
	for i := 0; i < 10; i++ {
		clock.Advance(30 * time.Second)
		opt.ReleaseConnection("busy", "websocket")
		opt.SweepConnections()
	}
	if _, ok := opt.pool.Lookup("idle", "websocket"); ok {
		t.Error("idle connection survived sweep")
	}
	if _, ok := opt.pool.Lookup("busy", "websocket"); !ok {
		t.Error("active connection was swept")
	}
}

func TestConnectionLifetimeCap(t *testing.T) {
	opt, _ := newTestOptimizer(t, Config{ConnectionTimeout: 30 * time.Second})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	opt.pool.now = clock.Now

	first := opt.GetConnection("c", "websocket")
	clock.Advance(10 * time.Second)
	again := opt.GetConnection("c", "websocket")
	if again.UseCount != 2 || !again.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("valid record was replaced: %+v", again)
	}
	clock.Advance(25 * time.Second)
	fresh := opt.GetConnection("c", "websocket")
	if fresh.UseCount != 1 || !fresh.CreatedAt.Equal(clock.Now()) {
		t.Errorf("expired record reused: %+v", fresh)
	}
}

func TestConnectionCloseAndCapacity(t *testing.T) {
	opt, _ := newTestOptimizer(t, Config{MaxConnections: 3})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	opt.pool.now = clock.Now

	for i := 0; i < 3; i++ {
		opt.GetConnection(fmt.Sprint(i), "websocket")
		clock.Advance(time.Second)
	}
	opt.GetConnection("3", "websocket")
	if opt.pool.Len() != 3 {
		t.Fatalf("pool len = %d, want 3", opt.pool.Len())
	}
	if _, ok := opt.pool.Lookup("0", "websocket"); ok {
		t.Error("least recently used record survived")
	}
	opt.CloseConnection("3", "websocket")
	if _, ok := opt.pool.Lookup("3", "websocket"); ok {
		t.Error("closed record still pooled")
	}
}

func TestCacheKey(t *testing.T) {
	a := CacheKey(CategoryUserMessage, "hello", 1)
	b := CacheKey(CategoryUserMessage, "hello", 1)
	c := CacheKey(CategoryModule, "hello", 1)
	d := CacheKey(CategoryUserMessage, "hello", 2)
	if a != b {
		t.Error("key not deterministic")
	}
	if a == c || a == d {
		t.Error("distinct inputs collided")
	}
}

func TestPriorityFor(t *testing.T) {
	cases := map[string]Priority{
		"error":                High,
		"consciousness_state":  Medium,
		"consciousness_stream": Low,
		"something_new":        Medium,
	}
	for typ, want := range cases {
		if got := PriorityFor(typ); got != want {
			t.Errorf("PriorityFor(%q) = %s, want %s", typ, got, want)
		}
	}
	if ParsePriority("HIGH") != High || ParsePriority("") != Medium {
		t.Error("ParsePriority mismatch")
	}
}

func TestResponseTimeAverage(t *testing.T) {
	opt, _ := newTestOptimizer(t, Config{})
	opt.RecordResponseTime(100 * time.Millisecond)
	opt.RecordResponseTime(200 * time.Millisecond)
	if avg := opt.Snapshot().AvgResponseTimeMs; avg != 150 {
		t.Errorf("avg = %v, want 150", avg)
	}
}

func TestCollector(t *testing.T) {
	opt, _ := newTestOptimizer(t, Config{})
	opt.Enqueue("c", 1, High)
	if n := testutil.CollectAndCount(NewCollector("sentio", opt)); n != 9 {
		t.Errorf("collected %d metrics, want 9", n)
	}
}
