package collector

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// ContentItem 统一采集后的内容条目，构造后不再修改
type ContentItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
	SourceID    string    `json:"sourceId"`
	SourceLabel string    `json:"sourceLabel"`
	Author      string    `json:"author,omitempty"`
	Tags        []string  `json:"tags"`
}

// ItemFields 构造 ContentItem 所需的原始字段
type ItemFields struct {
	Title       string
	Description string
	URL         string
	ImageURL    string
	PublishedAt time.Time
	FetchedAt   time.Time
	SourceID    string
	SourceLabel string
	Author      string
	Tags        []string
}

// BuildItem 规范化字段并生成 ID；URL 为空时返回 false
func BuildItem(f ItemFields) (ContentItem, bool) {
	link := strings.TrimSpace(f.URL)
	if link == "" {
		return ContentItem{}, false
	}
	title := strings.TrimSpace(f.Title)
	if title == "" {
		title = link
	}
	published := f.PublishedAt
	if published.IsZero() {
		published = f.FetchedAt
	}

	tags := make([]string, 0, len(f.Tags))
	seen := make(map[string]struct{}, len(f.Tags))
	for _, t := range f.Tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[strings.ToLower(t)]; ok {
			continue
		}
		seen[strings.ToLower(t)] = struct{}{}
		tags = append(tags, t)
	}

	return ContentItem{
		ID:          hashKey(CanonicalURL(link)),
		Title:       title,
		Description: strings.TrimSpace(f.Description),
		URL:         link,
		ImageURL:    strings.TrimSpace(f.ImageURL),
		PublishedAt: published.UTC(),
		SourceID:    f.SourceID,
		SourceLabel: f.SourceLabel,
		Author:      strings.TrimSpace(f.Author),
		Tags:        tags,
	}, true
}

// CanonicalURL 去重用的规范化 URL：小写 scheme 与 host、去掉 fragment，path 与 query 原样保留。
// 无法解析或缺少 host 时返回去空白后的原串
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func hashKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// Outcome 单个数据源一次抓取的结果分类
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeError   Outcome = "error"
)

// FetchResult 每个数据源每轮抓取产生一条，失败也作为数据返回
type FetchResult struct {
	SourceID     string        `json:"sourceId"`
	Outcome      Outcome       `json:"outcome"`
	Items        []ContentItem `json:"items"`
	LatencyMs    int64         `json:"latencyMs"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	ErrorKind    ErrorKind     `json:"errorKind,omitempty"`
	Proxy        string        `json:"proxy,omitempty"`
	CompletedAt  time.Time     `json:"completedAt"`
}

// Succeeded 表示该源至少有一个代理返回了可解析的数据
func (r FetchResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomePartial
}
