package collector

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// 卡片描述的最大长度（按 rune）
const descriptionMaxRunes = 200

// StripMarkup 去掉 HTML 标签与实体，压缩空白
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// ExtractLeadingImage 返回文本中第一张图片的地址，没有时返回空串
func ExtractLeadingImage(text string) string {
	if !strings.Contains(text, "<img") && !strings.Contains(text, "<IMG") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return ""
	}
	var src string
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v := strings.TrimSpace(s.AttrOr("src", ""))
		if v == "" {
			v = strings.TrimSpace(s.AttrOr("data-src", ""))
		}
		if v == "" || strings.HasPrefix(v, "data:") {
			return true
		}
		src = v
		return false
	})
	if strings.HasPrefix(src, "//") {
		src = "https:" + src
	}
	return src
}

// cleanDescription 去标签后按 rune 截断
func cleanDescription(s string) string {
	return truncateRunes(StripMarkup(s), descriptionMaxRunes)
}

// truncateRunes 按 rune 截断并追加省略号，不会切断多字节字符
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return strings.TrimSpace(string(rs[:limit])) + "…"
}

// imageURL 只接受 http(s) 地址，过滤 reddit 的 "self"/"default" 等占位值
func imageURL(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://") {
		return s
	}
	if strings.HasPrefix(s, "//") {
		return "https:" + s
	}
	return ""
}
