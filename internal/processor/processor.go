package processor

import (
	"github.com/LJTian/trendfeed/internal/collector"
)

// CanonicalKey 返回条目的去重键（规范化 URL）
func CanonicalKey(it collector.ContentItem) string {
	return collector.CanonicalURL(it.URL)
}

// Merge 合并各源抓取结果与种子数据。
// 先按 results 的顺序（即注册顺序）遍历抓取到的条目，再遍历种子；同一去重键首次出现者保留。
// 纯函数，不修改入参
func Merge(results []collector.FetchResult, seed []collector.ContentItem) []collector.ContentItem {
	total := len(seed)
	for _, r := range results {
		total += len(r.Items)
	}

	out := make([]collector.ContentItem, 0, total)
	seen := make(map[string]struct{}, total)
	add := func(it collector.ContentItem) {
		key := CanonicalKey(it)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}

	for _, r := range results {
		for _, it := range r.Items {
			add(it)
		}
	}
	for _, it := range seed {
		add(it)
	}
	return out
}
