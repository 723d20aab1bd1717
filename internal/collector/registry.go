package collector

import (
	"fmt"
	"net/url"
	"strings"
)

// Shape 响应结构标签，决定使用哪个适配器
type Shape string

const (
	ShapeJSONArray  Shape = "json-array"
	ShapeRSS2JSON   Shape = "rss2json-envelope"
	ShapeRawXML     Shape = "raw-xml-via-proxy"
	ShapeDirectJSON Shape = "direct-json"
)

// EndpointBuilder 生成上游地址（未经代理包装）
type EndpointBuilder func() string

// Proxy 代理策略：把上游地址包装成实际请求地址。
// Shape 为空时沿用数据源自身的 Shape
type Proxy struct {
	Name  string
	Shape Shape
	Wrap  func(target string) string
}

// DirectMapping 描述直连 REST 接口的字段映射，路径均为点号分隔
type DirectMapping struct {
	// ItemsPath 条目数组所在路径，为空表示根节点即数组
	ItemsPath   string
	ID          string
	Title       string
	URL         string
	Description string
	Image       string
	Published   string
	Tags        string
	// URLFallback 条目没有 URL 时使用，{id} 会替换为 ID 字段的值
	URLFallback string
}

// Descriptor 数据源描述，进程启动时配置，之后只读
type Descriptor struct {
	ID            string
	Label         string
	Endpoint      EndpointBuilder
	Shape         Shape
	ProxyChain    []Proxy
	RateSensitive bool
	Direct        *DirectMapping
}

// Attempt 代理链中的一次尝试
type Attempt struct {
	Proxy string
	URL   string
	Shape Shape
}

// Attempts 按代理链顺序展开请求地址；没有代理链时直连
func (d Descriptor) Attempts() []Attempt {
	target := d.Endpoint()
	chain := d.ProxyChain
	if len(chain) == 0 {
		chain = []Proxy{DirectProxy()}
	}
	out := make([]Attempt, 0, len(chain))
	for _, p := range chain {
		shape := p.Shape
		if shape == "" {
			shape = d.Shape
		}
		out = append(out, Attempt{Proxy: p.Name, URL: p.Wrap(target), Shape: shape})
	}
	return out
}

// ProxyNames 返回代理链名称，用于展示
func (d Descriptor) ProxyNames() []string {
	if len(d.ProxyChain) == 0 {
		return []string{"direct"}
	}
	names := make([]string, 0, len(d.ProxyChain))
	for _, p := range d.ProxyChain {
		names = append(names, p.Name)
	}
	return names
}

// DirectProxy 不经代理
func DirectProxy() Proxy {
	return Proxy{Name: "direct", Wrap: func(target string) string { return target }}
}

// RSS2JSONProxy 返回 {status, items:[...]} 信封
func RSS2JSONProxy(endpoint string) Proxy {
	return Proxy{
		Name:  "rss2json",
		Shape: ShapeRSS2JSON,
		Wrap: func(target string) string {
			return endpoint + "?rss_url=" + url.QueryEscape(target)
		},
	}
}

// AllOriginsProxy 返回 {contents: "<xml>"} 信封
func AllOriginsProxy(endpoint string) Proxy {
	return Proxy{
		Name:  "allorigins",
		Shape: ShapeRawXML,
		Wrap: func(target string) string {
			return endpoint + "?url=" + url.QueryEscape(target)
		},
	}
}

// Static 固定地址的 EndpointBuilder
func Static(target string) EndpointBuilder {
	return func() string { return target }
}

// Registry 有序的数据源表，顺序即去重优先级
type Registry struct {
	sources []Descriptor
	byID    map[string]int
}

func NewRegistry(sources ...Descriptor) (*Registry, error) {
	r := &Registry{
		sources: make([]Descriptor, 0, len(sources)),
		byID:    make(map[string]int, len(sources)),
	}
	for _, d := range sources {
		if d.ID == "" {
			return nil, fmt.Errorf("registry: source id is required")
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate source id %q", d.ID)
		}
		if d.Endpoint == nil {
			return nil, fmt.Errorf("registry: source %q has no endpoint", d.ID)
		}
		if !knownShape(d.Shape) {
			return nil, fmt.Errorf("registry: source %q has unknown shape %q", d.ID, d.Shape)
		}
		for _, p := range d.ProxyChain {
			if p.Wrap == nil {
				return nil, fmt.Errorf("registry: source %q proxy %q has no wrapper", d.ID, p.Name)
			}
			if p.Shape != "" && !knownShape(p.Shape) {
				return nil, fmt.Errorf("registry: source %q proxy %q has unknown shape %q", d.ID, p.Name, p.Shape)
			}
		}
		if d.Shape == ShapeDirectJSON && d.Direct == nil {
			return nil, fmt.Errorf("registry: source %q is direct-json but has no mapping", d.ID)
		}
		r.byID[d.ID] = len(r.sources)
		r.sources = append(r.sources, d)
	}
	return r, nil
}

func knownShape(s Shape) bool {
	_, ok := adapters[s]
	return ok
}

// All 按注册顺序返回全部数据源
func (r *Registry) All() []Descriptor {
	return append([]Descriptor(nil), r.sources...)
}

func (r *Registry) Get(id string) (Descriptor, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return r.sources[i], true
}

func (r *Registry) Len() int {
	return len(r.sources)
}

// Index 返回数据源在注册表中的位置，不存在时为 -1
func (r *Registry) Index(id string) int {
	if i, ok := r.byID[id]; ok {
		return i
	}
	return -1
}

// Without 返回去掉指定数据源后的新注册表
func (r *Registry) Without(ids ...string) *Registry {
	skip := make(map[string]bool, len(ids))
	for _, id := range ids {
		skip[strings.TrimSpace(id)] = true
	}
	kept := make([]Descriptor, 0, len(r.sources))
	for _, d := range r.sources {
		if !skip[d.ID] {
			kept = append(kept, d)
		}
	}
	out, _ := NewRegistry(kept...)
	return out
}
