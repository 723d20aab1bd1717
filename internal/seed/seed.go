package seed

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LJTian/trendfeed/internal/collector"
)

// SourceID 种子条目的来源标识
const SourceID = "seed"

//go:embed seed.yaml
var defaultSeed []byte

type seedFile struct {
	Label string      `yaml:"label"`
	Items []seedEntry `yaml:"items"`
}

type seedEntry struct {
	Title       string   `yaml:"title"`
	URL         string   `yaml:"url"`
	Description string   `yaml:"description"`
	Image       string   `yaml:"image"`
	Published   string   `yaml:"published"`
	Tags        []string `yaml:"tags"`
}

// Load 读取种子数据；path 为空时使用内置数据。缺少发布时间的条目使用 now
func Load(path string, now time.Time) ([]collector.ContentItem, error) {
	data := defaultSeed
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("seed: read %s: %w", path, err)
		}
		data = b
	}
	return Parse(data, now)
}

// Parse 解析 YAML 格式的种子数据，没有 URL 的条目直接跳过
func Parse(data []byte, now time.Time) ([]collector.ContentItem, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("seed: parse: %w", err)
	}
	label := strings.TrimSpace(f.Label)
	if label == "" {
		label = "Seed"
	}

	out := make([]collector.ContentItem, 0, len(f.Items))
	for i, e := range f.Items {
		var published time.Time
		if e.Published != "" {
			p, ok := collector.ParseTimeString(e.Published)
			if !ok {
				return nil, fmt.Errorf("seed: item %d: invalid published time %q", i, e.Published)
			}
			published = p
		}
		it, ok := collector.BuildItem(collector.ItemFields{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			ImageURL:    e.Image,
			PublishedAt: published,
			FetchedAt:   now,
			SourceID:    SourceID,
			SourceLabel: label,
			Tags:        e.Tags,
		})
		if !ok {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}
