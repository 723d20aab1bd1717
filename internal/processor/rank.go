package processor

import (
	"sort"

	"github.com/LJTian/trendfeed/internal/collector"
)

// Rank 按发布时间倒序稳定排序，时间相同的条目保持合并顺序。返回新切片
func Rank(items []collector.ContentItem) []collector.ContentItem {
	out := append([]collector.ContentItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return out
}
