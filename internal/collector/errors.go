package collector

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNetwork 请求被拒绝或超时
	ErrNetwork = errors.New("network error")
	// ErrHTTP 非 2xx 响应
	ErrHTTP = errors.New("http error")
	// ErrParse 响应结构与适配器不匹配
	ErrParse = errors.New("parse error")
	// ErrRateLimited 上游明确返回了限流信息
	ErrRateLimited = errors.New("rate limited")
	// ErrUpstream 上游代理返回了非限流的错误状态
	ErrUpstream = errors.New("upstream error")
	// ErrEmptyResult 请求成功但没有任何条目，非致命
	ErrEmptyResult = errors.New("empty result")
)

// HTTPError 携带状态码，errors.Is(err, ErrHTTP) 为真
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrHTTP
}

// ErrorKind 错误分类，写入 FetchResult / HealthRecord 便于展示
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindNetwork     ErrorKind = "network"
	KindHTTP        ErrorKind = "http"
	KindParse       ErrorKind = "parse"
	KindRateLimited ErrorKind = "rate_limited"
	KindUpstream    ErrorKind = "upstream"
	KindEmpty       ErrorKind = "empty"
)

// Classify 将任意错误归入分类；未知错误按网络错误处理
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrHTTP):
		return KindHTTP
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrUpstream):
		return KindUpstream
	case errors.Is(err, ErrEmptyResult):
		return KindEmpty
	default:
		return KindNetwork
	}
}

// 常见代理限流提示，例如 rss2json 的 "Too many requests"
var rateLimitPattern = regexp.MustCompile(`(?i)(rate.?limit|too many requests|limit (has been )?exceeded|quota|try again later|\b429\b)`)

// IsRateLimitMessage 判断上游错误信息是否为限流
func IsRateLimitMessage(msg string) bool {
	return rateLimitPattern.MatchString(msg)
}
