package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LJTian/trendfeed/internal/clock"
	"github.com/LJTian/trendfeed/internal/collector"
	"github.com/LJTian/trendfeed/internal/storage"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type reply struct {
	body string
	err  error
	wait <-chan struct{}
}

// scriptedTransport 按 URL 与调用次数返回预设响应
type scriptedTransport struct {
	mu      sync.Mutex
	scripts map[string][]reply
	calls   map[string]int
	entered chan string
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		scripts: map[string][]reply{},
		calls:   map[string]int{},
		entered: make(chan string, 64),
	}
}

// on 设置第 n 次调用（从 0 开始）之后的响应，最后一条重复使用
func (s *scriptedTransport) on(url string, replies ...reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[url] = replies
}

func (s *scriptedTransport) Get(ctx context.Context, url string) (*collector.Response, error) {
	s.mu.Lock()
	n := s.calls[url]
	s.calls[url]++
	replies := s.scripts[url]
	s.mu.Unlock()
	s.entered <- url

	if len(replies) == 0 {
		return nil, fmt.Errorf("%w: no route for %s", collector.ErrNetwork, url)
	}
	if n >= len(replies) {
		n = len(replies) - 1
	}
	r := replies[n]
	if r.wait != nil {
		select {
		case <-r.wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", collector.ErrNetwork, ctx.Err())
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &collector.Response{StatusCode: 200, Body: []byte(r.body)}, nil
}

func (s *scriptedTransport) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func source(id string) collector.Descriptor {
	return collector.Descriptor{ID: id, Label: id, Endpoint: collector.Static(endpoint(id)), Shape: collector.ShapeJSONArray}
}

func endpoint(id string) string { return "https://" + id + ".test/api" }

func arrayBody(url string, published time.Time, title string) string {
	return fmt.Sprintf(`[{"title":%q,"url":%q,"published_at":%q}]`, title, url, published.Format(time.RFC3339))
}

type fixture struct {
	tr    *scriptedTransport
	clk   *clock.Fake
	store *storage.Store
	agg   *Aggregator
}

func newFixture(t *testing.T, seed []collector.ContentItem, safety time.Duration, ids ...string) *fixture {
	t.Helper()
	ds := make([]collector.Descriptor, 0, len(ids))
	for _, id := range ids {
		ds = append(ds, source(id))
	}
	reg, err := collector.NewRegistry(ds...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tr := newScriptedTransport()
	clk := clock.NewFake(start)
	store := storage.NewStore(storage.NewMemoryBackend())
	c := collector.NewCollector(tr, clk, time.Second)
	agg := New(reg, c, store, seed, clk, Options{TTL: 30 * time.Minute, SafetyTimeout: safety})
	return &fixture{tr: tr, clk: clk, store: store, agg: agg}
}

func seedItem(t *testing.T, url string, published time.Time) collector.ContentItem {
	t.Helper()
	it, ok := collector.BuildItem(collector.ItemFields{Title: "seed " + url, URL: url, PublishedAt: published, FetchedAt: start, SourceID: "seed", SourceLabel: "Seed"})
	if !ok {
		t.Fatalf("BuildItem rejected %q", url)
	}
	return it
}

func itemURLs(snap *storage.Snapshot) []string {
	out := make([]string, 0, len(snap.Items))
	for _, it := range snap.Items {
		out = append(out, it.URL)
	}
	return out
}

func TestRefreshExampleScenario(t *testing.T) {
	t0 := start.Add(-2 * time.Hour)
	t1 := start.Add(-1 * time.Hour)
	f := newFixture(t, []collector.ContentItem{seedItem(t, "http://x/2", t0)}, 0, "s1", "s2")
	f.tr.on(endpoint("s1"), reply{body: arrayBody("http://x/1", t1, "one")})
	f.tr.on(endpoint("s2"), reply{err: errors.New("connection reset")})

	snap, err := f.agg.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	urls := itemURLs(snap)
	if len(urls) != 2 || urls[0] != "http://x/1" || urls[1] != "http://x/2" {
		t.Fatalf("items = %v, want [http://x/1 http://x/2]", urls)
	}
	if len(snap.SourceResults) != 2 ||
		snap.SourceResults[0].SourceID != "s1" || snap.SourceResults[0].Outcome != collector.OutcomeSuccess ||
		snap.SourceResults[1].SourceID != "s2" || snap.SourceResults[1].Outcome != collector.OutcomeError {
		t.Fatalf("unexpected sourceResults: %+v", snap.SourceResults)
	}
	if !snap.TTLExpiresAt.Equal(start.Add(30*time.Minute)) || snap.Sequence != 1 {
		t.Fatalf("unexpected ttl/sequence: %v / %d", snap.TTLExpiresAt, snap.Sequence)
	}

	cached, ok := f.agg.GetCached(context.Background())
	if !ok || cached.Sequence != 1 || len(cached.Items) != 2 {
		t.Fatalf("GetCached = %+v, %v", cached, ok)
	}
}

func TestRefreshFetchedItemBeatsNewerSeed(t *testing.T) {
	t2 := start.Add(-2 * time.Hour)
	t3 := start.Add(-1 * time.Hour)
	f := newFixture(t, []collector.ContentItem{seedItem(t, "http://y", t3)}, 0, "s1")
	f.tr.on(endpoint("s1"), reply{body: arrayBody("http://y", t2, "fetched")})

	snap, err := f.agg.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(snap.Items) != 1 || snap.Items[0].SourceID != "s1" || !snap.Items[0].PublishedAt.Equal(t2) {
		t.Fatalf("fetched item should win: %+v", snap.Items)
	}
}

func TestRefreshAllFailedWithoutSeed(t *testing.T) {
	f := newFixture(t, nil, 0, "s1", "s2")
	f.tr.on(endpoint("s1"), reply{body: arrayBody("http://z/1", start, "z")}, reply{err: errors.New("down")})
	f.tr.on(endpoint("s2"), reply{err: errors.New("down")})

	first, err := f.agg.Refresh(context.Background())
	if err != nil {
		t.Fatalf("first Refresh: %v", err)
	}

	f.clk.Advance(time.Hour)
	if _, err := f.agg.Refresh(context.Background()); !errors.Is(err, ErrAllSourcesFailed) {
		t.Fatalf("err = %v, want ErrAllSourcesFailed", err)
	}
	kept, err := f.store.Snapshot(context.Background())
	if err != nil || kept == nil || kept.Sequence != first.Sequence {
		t.Fatalf("previous snapshot should be kept after terminal failure: %+v, %v", kept, err)
	}
}

func TestRefreshAllFailedWithSeedStillSucceeds(t *testing.T) {
	f := newFixture(t, []collector.ContentItem{seedItem(t, "http://seed/1", start)}, 0, "s1")
	f.tr.on(endpoint("s1"), reply{err: errors.New("down")})

	snap, err := f.agg.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(snap.Items) != 1 || snap.Items[0].SourceID != "seed" {
		t.Fatalf("seed should be served: %+v", snap.Items)
	}
}

func TestGetServesCacheUntilTTL(t *testing.T) {
	f := newFixture(t, nil, 0, "s1")
	f.tr.on(endpoint("s1"), reply{body: arrayBody("http://c/1", start, "c")})
	ctx := context.Background()

	if _, err := f.agg.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	calls := f.tr.total()

	f.clk.Advance(29 * time.Minute)
	snap, err := f.agg.Get(ctx)
	if err != nil || snap.Sequence != 1 {
		t.Fatalf("Get within ttl = %+v, %v", snap, err)
	}
	if f.tr.total() != calls {
		t.Fatalf("cached read issued %d network calls", f.tr.total()-calls)
	}

	f.clk.Advance(time.Minute)
	if _, ok := f.agg.GetCached(ctx); ok {
		t.Fatalf("snapshot must not be served at now == ttlExpiresAt")
	}
	snap, err = f.agg.Get(ctx)
	if err != nil || snap.Sequence != 2 {
		t.Fatalf("Get after ttl = %+v, %v", snap, err)
	}
	if f.tr.total() == calls {
		t.Fatalf("expired cache should trigger a fresh cycle")
	}
}

func TestRefreshIsIdempotentForIdenticalData(t *testing.T) {
	f := newFixture(t, []collector.ContentItem{seedItem(t, "http://seed/1", start.Add(-5*time.Hour))}, 0, "s1", "s2")
	f.tr.on(endpoint("s1"), reply{body: `[{"title":"Streaming systems","url":"http://i/1","published_at":"2024-05-01T10:00:00Z"},{"title":"Streaming again","url":"http://i/2","published_at":"2024-05-01T10:00:00Z"}]`})
	f.tr.on(endpoint("s2"), reply{body: `[{"title":"Databases","url":"http://i/3","published_at":"2024-05-01T10:00:00Z"}]`})

	a, err := f.agg.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	b, err := f.agg.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	ua, ub := itemURLs(a), itemURLs(b)
	if fmt.Sprint(ua) != fmt.Sprint(ub) || fmt.Sprint(a.TrendingTopics) != fmt.Sprint(b.TrendingTopics) {
		t.Fatalf("refresh not idempotent: %v %v / %v %v", ua, a.TrendingTopics, ub, b.TrendingTopics)
	}
	if want := "[http://i/1 http://i/2 http://i/3 http://seed/1]"; fmt.Sprint(ua) != want {
		t.Fatalf("items = %v, want %s", ua, want)
	}
}

func TestOlderCycleFinishingLastDoesNotOverwrite(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, nil, 0, "s1")
	f.tr.on(endpoint("s1"),
		reply{body: arrayBody("http://race/A", start, "A"), wait: release},
		reply{body: arrayBody("http://race/B", start, "B")},
	)
	ctx := context.Background()

	doneA := make(chan *storage.Snapshot, 1)
	go func() {
		snap, _ := f.agg.Refresh(ctx)
		doneA <- snap
	}()
	<-f.tr.entered // A 的请求已发出

	snapB, err := f.agg.Refresh(ctx)
	if err != nil || snapB.Sequence != 2 {
		t.Fatalf("Refresh B = %+v, %v", snapB, err)
	}

	close(release)
	snapA := <-doneA
	if snapA == nil || snapA.Sequence != 1 {
		t.Fatalf("Refresh A = %+v", snapA)
	}
	f.agg.WaitLate()

	cached, err := f.store.Snapshot(ctx)
	if err != nil || cached.Sequence != 2 || itemURLs(cached)[0] != "http://race/B" {
		t.Fatalf("cache should hold B's result, got %+v, %v", cached, err)
	}
}

func TestLateStragglerMergedIntoSameCycle(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, nil, 20*time.Millisecond, "fast", "slow")
	f.tr.on(endpoint("fast"), reply{body: arrayBody("http://late/fast", start, "fast")})
	f.tr.on(endpoint("slow"), reply{body: arrayBody("http://late/slow", start.Add(time.Minute), "slow"), wait: release})
	ctx := context.Background()

	snap, err := f.agg.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(snap.Items) != 1 || snap.SourceResults[1].Outcome != collector.OutcomeError {
		t.Fatalf("slow source should be pending at return: %+v", snap.SourceResults)
	}

	close(release)
	f.agg.WaitLate()

	cached, _ := f.store.Snapshot(ctx)
	if cached.Sequence != 1 || len(cached.Items) != 2 || cached.Items[0].URL != "http://late/slow" {
		t.Fatalf("late result not merged: %+v", cached)
	}
	if cached.SourceResults[1].SourceID != "slow" || cached.SourceResults[1].Outcome != collector.OutcomeSuccess {
		t.Fatalf("late FetchResult not recorded: %+v", cached.SourceResults)
	}
	if !cached.TTLExpiresAt.Equal(snap.TTLExpiresAt) {
		t.Fatalf("late merge must keep the cycle's ttl")
	}
}

func TestLateStragglerDoesNotOverwriteRetry(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, nil, 20*time.Millisecond, "fast", "slow")
	f.tr.on(endpoint("fast"), reply{body: arrayBody("http://retry/fast", start, "fast")})
	f.tr.on(endpoint("slow"),
		reply{err: errors.New("connection reset"), wait: release},
		reply{body: arrayBody("http://retry/slow", start.Add(time.Minute), "slow")},
	)
	ctx := context.Background()

	if _, err := f.agg.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	res, err := f.agg.RetrySource(ctx, "slow")
	if err != nil || res.Outcome != collector.OutcomeSuccess {
		t.Fatalf("RetrySource = %+v, %v", res, err)
	}

	close(release)
	f.agg.WaitLate()

	cached, _ := f.store.Snapshot(ctx)
	if cached.SourceResults[1].SourceID != "slow" || cached.SourceResults[1].Outcome != collector.OutcomeSuccess {
		t.Fatalf("retried result replaced by the earlier request: %+v", cached.SourceResults[1])
	}
	if len(cached.Items) != 2 || cached.Items[0].URL != "http://retry/slow" {
		t.Fatalf("retried items missing: %v", itemURLs(cached))
	}
}

func TestLateStragglerDroppedWhenSuperseded(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, nil, 20*time.Millisecond, "fast", "slow")
	f.tr.on(endpoint("fast"), reply{body: arrayBody("http://sup/fast", start, "fast")})
	f.tr.on(endpoint("slow"),
		reply{body: arrayBody("http://sup/old", start, "old"), wait: release},
		reply{body: arrayBody("http://sup/new", start, "new")},
	)
	ctx := context.Background()

	if _, err := f.agg.Refresh(ctx); err != nil {
		t.Fatalf("Refresh 1: %v", err)
	}
	second, err := f.agg.Refresh(ctx)
	if err != nil || second.Sequence != 2 {
		t.Fatalf("Refresh 2 = %+v, %v", second, err)
	}

	close(release)
	f.agg.WaitLate()

	cached, _ := f.store.Snapshot(ctx)
	for _, it := range cached.Items {
		if it.URL == "http://sup/old" {
			t.Fatalf("late result from superseded cycle leaked into cache")
		}
	}
	if cached.Sequence != 2 {
		t.Fatalf("Sequence = %d, want 2", cached.Sequence)
	}
}

func TestRetrySourceUpdatesOnlyThatSource(t *testing.T) {
	f := newFixture(t, nil, 0, "s1", "s2")
	f.tr.on(endpoint("s1"), reply{body: arrayBody("http://r/1", start, "one")})
	f.tr.on(endpoint("s2"), reply{err: errors.New("down")}, reply{body: arrayBody("http://r/2", start.Add(time.Minute), "two")})
	ctx := context.Background()

	var events []storage.Event
	f.store.Subscribe(func(ev storage.Event) { events = append(events, ev) })

	before, err := f.agg.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	f.clk.Advance(5 * time.Minute)

	res, err := f.agg.RetrySource(ctx, "s2")
	if err != nil || res.Outcome != collector.OutcomeSuccess {
		t.Fatalf("RetrySource = %+v, %v", res, err)
	}

	after, _ := f.store.Snapshot(ctx)
	if after.Sequence != before.Sequence || !after.TTLExpiresAt.Equal(before.TTLExpiresAt) {
		t.Fatalf("retry must keep sequence and ttl: before %d/%v after %d/%v", before.Sequence, before.TTLExpiresAt, after.Sequence, after.TTLExpiresAt)
	}
	if !after.SourceResults[0].CompletedAt.Equal(before.SourceResults[0].CompletedAt) || after.SourceResults[0].Outcome != collector.OutcomeSuccess {
		t.Fatalf("other source results must not change: %+v", after.SourceResults[0])
	}
	if after.SourceResults[1].Outcome != collector.OutcomeSuccess || len(after.Items) != 2 || after.Items[0].URL != "http://r/2" {
		t.Fatalf("retried source not merged: %+v", after)
	}
	if len(events) != 2 {
		t.Fatalf("expected a change signal per write, got %d", len(events))
	}

	if _, err := f.agg.RetrySource(ctx, "nope"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("err = %v, want ErrUnknownSource", err)
	}
}

func TestSequenceContinuesFromPersistedSnapshot(t *testing.T) {
	f := newFixture(t, nil, 0, "s1")
	f.tr.on(endpoint("s1"), reply{body: arrayBody("http://p/1", start, "p")})
	ctx := context.Background()
	if err := f.store.SaveSnapshot(ctx, &storage.Snapshot{Sequence: 41, TTLExpiresAt: start}, time.Minute); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	snap, err := f.agg.Refresh(ctx)
	if err != nil || snap.Sequence != 42 {
		t.Fatalf("Refresh = %+v, %v; want sequence 42", snap, err)
	}
}

func TestConcurrentGetSharesOneCycle(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, nil, 0, "a", "b")
	f.tr.on(endpoint("a"), reply{body: arrayBody("http://herd/a", start, "a"), wait: release})
	f.tr.on(endpoint("b"), reply{body: arrayBody("http://herd/b", start, "b"), wait: release})
	ctx := context.Background()

	const callers = 5
	var wg sync.WaitGroup
	snaps := make([]*storage.Snapshot, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], errs[i] = f.agg.Get(ctx)
		}(i)
	}
	<-f.tr.entered
	<-f.tr.entered
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := f.tr.total(); n != 2 {
		t.Fatalf("%d upstream requests for %d concurrent readers, want 2", n, callers)
	}
	for i := range snaps {
		if errs[i] != nil || snaps[i] == nil || snaps[i].Sequence != 1 || len(snaps[i].Items) != 2 {
			t.Fatalf("caller %d got %+v, %v", i, snaps[i], errs[i])
		}
	}
}

func TestGetCallerCancelDoesNotAbortSharedCycle(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, nil, 0, "s1")
	f.tr.on(endpoint("s1"), reply{body: arrayBody("http://shared/1", start, "one"), wait: release})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.agg.Get(ctx)
		done <- err
	}()
	<-f.tr.entered
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	close(release)
	snap, err := f.agg.Get(context.Background())
	if err != nil || snap.Sequence != 1 || len(snap.Items) != 1 {
		t.Fatalf("Get = %+v, %v", snap, err)
	}
	if n := f.tr.total(); n != 1 {
		t.Fatalf("%d upstream requests, want 1", n)
	}
}

func TestCancelledRefreshDoesNotCachePlaceholders(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, nil, 0, "s1")
	f.tr.on(endpoint("s1"), reply{body: arrayBody("http://cancel/1", start, "one"), wait: release})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.tr.entered
		cancel()
	}()
	if _, err := f.agg.Refresh(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if cached, _ := f.store.Snapshot(context.Background()); cached != nil {
		t.Fatalf("cancelled refresh cached %+v", cached)
	}

	close(release)
	f.agg.WaitLate()

	cached, err := f.store.Snapshot(context.Background())
	if err != nil || cached == nil {
		t.Fatalf("late result should build the snapshot: %+v, %v", cached, err)
	}
	if cached.Sequence != 1 || len(cached.Items) != 1 || cached.SourceResults[0].Outcome != collector.OutcomeSuccess {
		t.Fatalf("unexpected snapshot: %+v", cached)
	}
	if !cached.TTLExpiresAt.Equal(start.Add(30 * time.Minute)) {
		t.Fatalf("TTLExpiresAt = %v", cached.TTLExpiresAt)
	}
}
