package collector

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// 各源常见的时间格式；rss2json 使用 "2006-01-02 15:04:05"（UTC）
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000Z0700",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC822Z,
	time.RFC822,
	"2006-01-02",
}

// parseTime 解析字符串或数字形式的时间；数字按 Unix 秒处理，超过 1e12 视为毫秒
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case float64:
		return unixTime(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return unixTime(f)
	case string:
		return ParseTimeString(t)
	default:
		return time.Time{}, false
	}
}

// ParseTimeString 按 timeLayouts 依次尝试解析，也接受纯数字的 Unix 时间戳；种子数据与各源共用
func ParseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if p, err := time.Parse(layout, s); err == nil {
			return p.UTC(), true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return unixTime(f)
	}
	return time.Time{}, false
}

func unixTime(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
