package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Parsed 适配器输出；Dropped 为因缺少链接等原因被丢弃的条目数
type Parsed struct {
	Items   []ContentItem
	Dropped int
}

// Adapter 把某种响应结构转换为 ContentItem
type Adapter func(d Descriptor, payload []byte, fetchedAt time.Time) (Parsed, error)

var adapters = map[Shape]Adapter{
	ShapeJSONArray:  parseJSONArray,
	ShapeRSS2JSON:   parseRSS2JSON,
	ShapeRawXML:     parseRawXML,
	ShapeDirectJSON: parseDirectJSON,
}

// Parse 按 shape 分派到对应适配器
func Parse(d Descriptor, shape Shape, payload []byte, fetchedAt time.Time) (Parsed, error) {
	adapter, ok := adapters[shape]
	if !ok {
		return Parsed{}, fmt.Errorf("%w: no adapter for shape %q", ErrParse, shape)
	}
	return adapter(d, payload, fetchedAt)
}

func (d Descriptor) collect(out *Parsed, f ItemFields, fetchedAt time.Time) {
	f.SourceID = d.ID
	f.SourceLabel = d.Label
	f.FetchedAt = fetchedAt
	item, ok := BuildItem(f)
	if !ok {
		out.Dropped++
		return
	}
	out.Items = append(out.Items, item)
}

// ---------- json-array ----------

func parseJSONArray(d Descriptor, payload []byte, fetchedAt time.Time) (Parsed, error) {
	var rows []map[string]any
	if err := decodeJSON(payload, &rows); err != nil {
		return Parsed{}, fmt.Errorf("%w: json-array: %v", ErrParse, err)
	}
	if rows == nil {
		return Parsed{}, fmt.Errorf("%w: json-array: payload is not an array", ErrParse)
	}

	out := Parsed{Items: make([]ContentItem, 0, len(rows))}
	for _, row := range rows {
		if row == nil {
			out.Dropped++
			continue
		}
		published, _ := parseTime(firstValue(row, "published_at", "published_timestamp", "created_at", "pubDate", "date"))
		d.collect(&out, ItemFields{
			Title:       firstString(row, "title", "name"),
			Description: cleanDescription(firstString(row, "description", "summary", "excerpt")),
			URL:         firstString(row, "url", "link", "canonical_url", "short_id_url", "comments_url"),
			ImageURL:    imageURL(firstString(row, "cover_image", "social_image", "image", "thumbnail")),
			PublishedAt: published,
			Author:      authorName(firstValue(row, "author", "user", "submitter_user")),
			Tags:        toStrings(firstValue(row, "tag_list", "tags")),
		}, fetchedAt)
	}
	return out, nil
}

// ---------- rss2json-envelope ----------

type rss2jsonEnvelope struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Items   []rss2jsonItem `json:"items"`
}

type rss2jsonItem struct {
	Title       string   `json:"title"`
	Link        string   `json:"link"`
	GUID        string   `json:"guid"`
	PubDate     string   `json:"pubDate"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	Thumbnail   string   `json:"thumbnail"`
	Author      string   `json:"author"`
	Categories  []string `json:"categories"`
	Enclosure   struct {
		Link string `json:"link"`
		Type string `json:"type"`
	} `json:"enclosure"`
}

func parseRSS2JSON(d Descriptor, payload []byte, fetchedAt time.Time) (Parsed, error) {
	var env rss2jsonEnvelope
	if err := decodeJSON(payload, &env); err != nil {
		return Parsed{}, fmt.Errorf("%w: rss2json: %v", ErrParse, err)
	}
	if !strings.EqualFold(env.Status, "ok") {
		if IsRateLimitMessage(env.Message) {
			return Parsed{}, fmt.Errorf("%w: %s", ErrRateLimited, env.Message)
		}
		if env.Status == "" {
			return Parsed{}, fmt.Errorf("%w: rss2json: missing status", ErrParse)
		}
		return Parsed{}, fmt.Errorf("%w: rss2json status %q: %s", ErrUpstream, env.Status, env.Message)
	}

	out := Parsed{Items: make([]ContentItem, 0, len(env.Items))}
	for _, it := range env.Items {
		link := it.Link
		if link == "" && isHTTPURL(it.GUID) {
			link = it.GUID
		}
		image := imageURL(it.Thumbnail)
		if image == "" && strings.HasPrefix(it.Enclosure.Type, "image/") {
			image = imageURL(it.Enclosure.Link)
		}
		if image == "" {
			image = ExtractLeadingImage(it.Content)
		}
		if image == "" {
			image = ExtractLeadingImage(it.Description)
		}
		desc := it.Description
		if strings.TrimSpace(StripMarkup(desc)) == "" {
			desc = it.Content
		}
		published, _ := ParseTimeString(it.PubDate)
		d.collect(&out, ItemFields{
			Title:       StripMarkup(it.Title),
			Description: cleanDescription(desc),
			URL:         link,
			ImageURL:    image,
			PublishedAt: published,
			Author:      it.Author,
			Tags:        it.Categories,
		}, fetchedAt)
	}
	return out, nil
}

// ---------- raw-xml-via-proxy ----------

type rawXMLEnvelope struct {
	Contents *string `json:"contents"`
	Status   struct {
		HTTPCode int `json:"http_code"`
	} `json:"status"`
}

func parseRawXML(d Descriptor, payload []byte, fetchedAt time.Time) (Parsed, error) {
	var env rawXMLEnvelope
	if err := decodeJSON(payload, &env); err != nil {
		return Parsed{}, fmt.Errorf("%w: raw-xml: %v", ErrParse, err)
	}
	if code := env.Status.HTTPCode; code != 0 && (code < 200 || code >= 300) {
		return Parsed{}, &HTTPError{StatusCode: code}
	}
	if env.Contents == nil || strings.TrimSpace(*env.Contents) == "" {
		return Parsed{}, fmt.Errorf("%w: raw-xml: empty contents", ErrParse)
	}

	// gofeed 同时识别 RSS <item> 与 Atom <entry>
	feed, err := gofeed.NewParser().ParseString(*env.Contents)
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: raw-xml: %v", ErrParse, err)
	}

	out := Parsed{Items: make([]ContentItem, 0, len(feed.Items))}
	for _, it := range feed.Items {
		if it == nil {
			out.Dropped++
			continue
		}
		link := it.Link
		if link == "" && len(it.Links) > 0 {
			link = it.Links[0]
		}
		if link == "" && isHTTPURL(it.GUID) {
			link = it.GUID
		}

		desc := it.Description
		if strings.TrimSpace(StripMarkup(desc)) == "" {
			desc = it.Content
		}

		var published time.Time
		switch {
		case it.PublishedParsed != nil:
			published = *it.PublishedParsed
		case it.UpdatedParsed != nil:
			published = *it.UpdatedParsed
		default:
			if p, ok := ParseTimeString(it.Published); ok {
				published = p
			} else if p, ok := ParseTimeString(it.Updated); ok {
				published = p
			}
		}

		var image string
		if it.Image != nil {
			image = imageURL(it.Image.URL)
		}
		if image == "" {
			for _, enc := range it.Enclosures {
				if enc != nil && strings.HasPrefix(enc.Type, "image/") {
					image = imageURL(enc.URL)
					break
				}
			}
		}
		if image == "" {
			image = ExtractLeadingImage(it.Content)
		}
		if image == "" {
			image = ExtractLeadingImage(it.Description)
		}

		var author string
		if len(it.Authors) > 0 && it.Authors[0] != nil {
			author = it.Authors[0].Name
		}

		d.collect(&out, ItemFields{
			Title:       StripMarkup(it.Title),
			Description: cleanDescription(desc),
			URL:         link,
			ImageURL:    image,
			PublishedAt: published,
			Author:      author,
			Tags:        it.Categories,
		}, fetchedAt)
	}
	return out, nil
}

// ---------- direct-json ----------

func parseDirectJSON(d Descriptor, payload []byte, fetchedAt time.Time) (Parsed, error) {
	m := d.Direct
	if m == nil {
		return Parsed{}, fmt.Errorf("%w: direct-json: source %q has no mapping", ErrParse, d.ID)
	}
	var root any
	if err := decodeJSON(payload, &root); err != nil {
		return Parsed{}, fmt.Errorf("%w: direct-json: %v", ErrParse, err)
	}
	rows, err := walkItems(root, m.ItemsPath)
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: direct-json: %v", ErrParse, err)
	}

	out := Parsed{Items: make([]ContentItem, 0, len(rows))}
	for _, row := range rows {
		if _, ok := row.(map[string]any); !ok {
			out.Dropped++
			continue
		}
		link := asString(lookup(row, m.URL))
		if link == "" && m.URLFallback != "" {
			if id := asString(lookup(row, m.ID)); id != "" {
				link = strings.ReplaceAll(m.URLFallback, "{id}", id)
			}
		}
		published, _ := parseTime(lookup(row, m.Published))
		d.collect(&out, ItemFields{
			Title:       StripMarkup(asString(lookup(row, m.Title))),
			Description: cleanDescription(asString(lookup(row, m.Description))),
			URL:         link,
			ImageURL:    imageURL(asString(lookup(row, m.Image))),
			PublishedAt: published,
			Tags:        toStrings(lookup(row, m.Tags)),
		}, fetchedAt)
	}
	return out, nil
}

// walkItems 沿点号路径取出条目数组；路径为空时根节点必须是数组
func walkItems(v any, path string) ([]any, error) {
	cur := v
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected object at %q, got %T", part, cur)
			}
			if cur, ok = obj[part]; !ok {
				return nil, fmt.Errorf("key %q not found", part)
			}
		}
	}
	arr, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return arr, nil
}

// lookup 在条目内按点号路径取值，缺失时返回 nil
func lookup(v any, path string) any {
	if path == "" {
		return nil
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

// ---------- helpers ----------

func decodeJSON(payload []byte, v any) error {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	return dec.Decode(v)
}

func firstValue(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v
		}
	}
	return nil
}

func firstString(obj map[string]any, keys ...string) string {
	return asString(firstValue(obj, keys...))
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool, float64, int, int64:
		return fmt.Sprintf("%v", t)
	default:
		return ""
	}
}

// toStrings 兼容字符串数组与逗号分隔字符串两种标签格式
func toStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s := asString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return nil
	}
}

// authorName 兼容 "name" 字符串与 {name/username} 对象
func authorName(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		return firstString(t, "name", "username")
	default:
		return ""
	}
}

func isHTTPURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
