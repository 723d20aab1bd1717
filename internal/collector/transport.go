package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
)

const (
	defaultUserAgent      = "TrendFeedBot/1.0"
	defaultRequestTimeout = 15 * time.Second
	acceptHeader          = "application/json, application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8"
)

// Response 原始响应，状态码由调用方分类
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport 抽象一次 GET 请求，便于测试替换
type Transport interface {
	Get(ctx context.Context, rawURL string) (*Response, error)
}

// CollyTransport 每次请求创建独立的 colly collector，互不共享状态
type CollyTransport struct {
	UserAgent string
	Timeout   time.Duration
}

func NewCollyTransport(userAgent string, timeout time.Duration) *CollyTransport {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &CollyTransport{UserAgent: userAgent, Timeout: timeout}
}

func (t *CollyTransport) Get(ctx context.Context, rawURL string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	timeout := t.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); timeout <= 0 || rem < timeout {
			timeout = rem
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, context.DeadlineExceeded)
	}

	c := colly.NewCollector(
		colly.UserAgent(t.UserAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(timeout)
	// 非 2xx 也交给 OnResponse，状态码由上层分类
	c.ParseHTTPErrorResponse = true

	var resp *Response
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
	})
	c.OnResponse(func(r *colly.Response) {
		resp = &Response{StatusCode: r.StatusCode, Body: r.Body}
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, errors.New("no response"))
	}
	return resp, nil
}
