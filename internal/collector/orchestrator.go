package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/LJTian/trendfeed/internal/clock"
)

// Collector 对单个数据源按代理链依次请求并解析，错误作为数据写入 FetchResult
type Collector struct {
	transport      Transport
	clock          clock.Clock
	requestTimeout time.Duration
}

func NewCollector(t Transport, clk clock.Clock, requestTimeout time.Duration) *Collector {
	if clk == nil {
		clk = clock.Real{}
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Collector{transport: t, clock: clk, requestTimeout: requestTimeout}
}

// FetchSource 依次尝试代理链，第一个成功的代理即停止。永不返回错误
func (c *Collector) FetchSource(ctx context.Context, d Descriptor) (res FetchResult) {
	start := c.clock.Now()
	res = FetchResult{SourceID: d.ID, Items: []ContentItem{}}
	defer func() {
		res.CompletedAt = c.clock.Now()
		res.LatencyMs = res.CompletedAt.Sub(start).Milliseconds()
	}()

	var (
		lastErr  error
		failures []string
	)
	for i, a := range d.Attempts() {
		parsed, err := c.attempt(ctx, d, a)
		if err != nil {
			log.Printf("fetch %s via %s failed: %v", d.ID, a.Proxy, err)
			lastErr = err
			failures = append(failures, fmt.Sprintf("%s: %v", a.Proxy, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		res.Items = parsed.Items
		res.Proxy = a.Proxy
		switch {
		case len(parsed.Items) == 0:
			res.Outcome = OutcomePartial
			res.ErrorKind = KindEmpty
			res.ErrorMessage = ErrEmptyResult.Error()
		case i > 0:
			res.Outcome = OutcomePartial
			res.ErrorMessage = "fallback proxy used; " + strings.Join(failures, "; ")
			res.ErrorKind = Classify(lastErr)
		case parsed.Dropped > 0:
			res.Outcome = OutcomePartial
			res.ErrorKind = KindParse
			res.ErrorMessage = fmt.Sprintf("dropped %d malformed entries", parsed.Dropped)
		default:
			res.Outcome = OutcomeSuccess
		}
		return res
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no proxy attempted", ErrNetwork)
		failures = append(failures, lastErr.Error())
	}
	res.Outcome = OutcomeError
	res.ErrorKind = Classify(lastErr)
	res.ErrorMessage = strings.Join(failures, "; ")
	return res
}

// attempt 执行一次请求 + 解析，适配器中的 panic 转为解析错误
func (c *Collector) attempt(ctx context.Context, d Descriptor, a Attempt) (parsed Parsed, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: adapter panic: %v", ErrParse, r)
		}
	}()

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.transport.Get(reqCtx, a.URL)
	if err != nil {
		if !errors.Is(err, ErrNetwork) {
			err = fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return Parsed{}, err
	}
	if err := statusError(resp.StatusCode); err != nil {
		return Parsed{}, err
	}
	return Parse(d, a.Shape, resp.Body, c.clock.Now())
}

// statusError 非 2xx 转为 HTTPError；429 同时标记为限流
func statusError(code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	herr := &HTTPError{StatusCode: code}
	if code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRateLimited, herr)
	}
	return herr
}

// Cycle 一轮并发抓取。每个数据源独立完成，结果按注册顺序保存
type Cycle struct {
	mu        sync.Mutex
	sources   []Descriptor
	results   []FetchResult
	done      []bool
	remaining int
	timedOut  bool
	startedAt time.Time
	clock     clock.Clock

	allDone chan struct{}
	late    chan FetchResult
}

// Start 为注册表中每个数据源启动一个 goroutine，立即返回
func (c *Collector) Start(ctx context.Context, reg *Registry) *Cycle {
	sources := reg.All()
	cy := &Cycle{
		sources:   sources,
		results:   make([]FetchResult, len(sources)),
		done:      make([]bool, len(sources)),
		remaining: len(sources),
		startedAt: c.clock.Now(),
		clock:     c.clock,
		allDone:   make(chan struct{}),
		late:      make(chan FetchResult, len(sources)),
	}
	if len(sources) == 0 {
		close(cy.allDone)
		close(cy.late)
		return cy
	}
	for i, d := range sources {
		go func(i int, d Descriptor) {
			cy.finish(i, c.FetchSource(ctx, d))
		}(i, d)
	}
	return cy
}

func (cy *Cycle) finish(i int, r FetchResult) {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	cy.results[i] = r
	cy.done[i] = true
	cy.remaining--
	if cy.timedOut {
		cy.late <- r
	}
	if cy.remaining == 0 {
		close(cy.allDone)
		close(cy.late)
	}
}

// Wait 等待全部数据源完成，或 safety 到期后返回当前结果；
// 未完成的数据源以 error 占位，实际结果随后从 Late() 送达。safety<=0 表示不设上限
func (cy *Cycle) Wait(ctx context.Context, safety time.Duration) []FetchResult {
	var expired <-chan time.Time
	if safety > 0 {
		timer := time.NewTimer(safety)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-cy.allDone:
	case <-expired:
	case <-ctx.Done():
	}

	cy.mu.Lock()
	defer cy.mu.Unlock()
	if cy.remaining > 0 {
		cy.timedOut = true
	}
	out := make([]FetchResult, len(cy.results))
	now := cy.clock.Now()
	for i, d := range cy.sources {
		if cy.done[i] {
			out[i] = cy.results[i]
			continue
		}
		out[i] = FetchResult{
			SourceID:     d.ID,
			Outcome:      OutcomeError,
			Items:        []ContentItem{},
			ErrorKind:    KindNetwork,
			ErrorMessage: fmt.Sprintf("%v: still pending after safety timeout", ErrNetwork),
			LatencyMs:    now.Sub(cy.startedAt).Milliseconds(),
			CompletedAt:  now,
		}
	}
	return out
}

// Late 返回 Wait 超时后才完成的数据源结果，全部完成后关闭
func (cy *Cycle) Late() <-chan FetchResult {
	return cy.late
}

// TimedOut 表示 Wait 返回的结果中含有占位结果
func (cy *Cycle) TimedOut() bool {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	return cy.timedOut
}

// Pending 返回尚未完成的数据源数量
func (cy *Cycle) Pending() int {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	return cy.remaining
}

// RunFetchCycle 抓取全部数据源并等待其全部完成
func (c *Collector) RunFetchCycle(ctx context.Context, reg *Registry) []FetchResult {
	return c.Start(ctx, reg).Wait(ctx, 0)
}
