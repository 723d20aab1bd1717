package collector

import "log"

// ProxyEndpoints 共享代理服务地址
type ProxyEndpoints struct {
	RSS2JSON   string
	AllOrigins string
}

// DefaultProxyEndpoints 公共代理地址
func DefaultProxyEndpoints() ProxyEndpoints {
	return ProxyEndpoints{
		RSS2JSON:   "https://api.rss2json.com/v1/api.json",
		AllOrigins: "https://api.allorigins.win/get",
	}
}

// DefaultSources 内置数据源。顺序决定同一 URL 出现在多个源时的保留优先级
func DefaultSources(p ProxyEndpoints) []Descriptor {
	// RSS 源：优先 rss2json，失败后退到 allorigins 拉原始 XML
	rssChain := []Proxy{RSS2JSONProxy(p.RSS2JSON), AllOriginsProxy(p.AllOrigins)}

	return []Descriptor{
		{
			ID:       "devto",
			Label:    "DEV Community",
			Endpoint: Static("https://dev.to/api/articles?per_page=20&top=7"),
			Shape:    ShapeJSONArray,
		},
		{
			ID:       "lobsters",
			Label:    "Lobsters",
			Endpoint: Static("https://lobste.rs/hottest.json"),
			Shape:    ShapeJSONArray,
		},
		{
			ID:       "hackernews",
			Label:    "Hacker News",
			Endpoint: Static("https://hn.algolia.com/api/v1/search?tags=front_page&hitsPerPage=30"),
			Shape:    ShapeDirectJSON,
			Direct: &DirectMapping{
				ItemsPath:   "hits",
				ID:          "objectID",
				Title:       "title",
				URL:         "url",
				Description: "story_text",
				Published:   "created_at_i",
				URLFallback: "https://news.ycombinator.com/item?id={id}",
			},
		},
		{
			ID:       "reddit-programming",
			Label:    "r/programming",
			Endpoint: Static("https://www.reddit.com/r/programming/hot.json?limit=25"),
			Shape:    ShapeDirectJSON,
			Direct: &DirectMapping{
				ItemsPath:   "data.children",
				ID:          "data.permalink",
				Title:       "data.title",
				URL:         "data.url",
				Description: "data.selftext",
				Image:       "data.thumbnail",
				Published:   "data.created_utc",
				Tags:        "data.link_flair_text",
				URLFallback: "https://www.reddit.com{id}",
			},
		},
		{
			ID:            "techcrunch",
			Label:         "TechCrunch",
			Endpoint:      Static("https://techcrunch.com/feed/"),
			Shape:         ShapeRSS2JSON,
			ProxyChain:    rssChain,
			RateSensitive: true,
		},
		{
			ID:            "theverge",
			Label:         "The Verge",
			Endpoint:      Static("https://www.theverge.com/rss/index.xml"),
			Shape:         ShapeRSS2JSON,
			ProxyChain:    rssChain,
			RateSensitive: true,
		},
		{
			ID:            "arstechnica",
			Label:         "Ars Technica",
			Endpoint:      Static("https://feeds.arstechnica.com/arstechnica/index"),
			Shape:         ShapeRSS2JSON,
			ProxyChain:    rssChain,
			RateSensitive: true,
		},
		{
			ID:            "smashing",
			Label:         "Smashing Magazine",
			Endpoint:      Static("https://www.smashingmagazine.com/feed/"),
			Shape:         ShapeRawXML,
			ProxyChain:    []Proxy{AllOriginsProxy(p.AllOrigins), RSS2JSONProxy(p.RSS2JSON)},
			RateSensitive: true,
		},
	}
}

// DefaultRegistry 内置数据源组成的注册表；内置表配置错误属于程序缺陷
func DefaultRegistry(p ProxyEndpoints) *Registry {
	r, err := NewRegistry(DefaultSources(p)...)
	if err != nil {
		log.Fatalf("default registry: %v", err)
	}
	return r
}
