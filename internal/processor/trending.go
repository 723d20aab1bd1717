package processor

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/LJTian/trendfeed/internal/collector"
)

// DefaultTrendingSize 热词数量上限
const DefaultTrendingSize = 7

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_\s]+`)

// 长度不超过 3 的词已被过滤，这里只需要更长的虚词
var stopWords = map[string]bool{
	"about": true, "above": true, "after": true, "again": true, "against": true,
	"also": true, "been": true, "before": true, "being": true, "below": true,
	"between": true, "both": true, "could": true, "does": true, "doing": true,
	"down": true, "during": true, "each": true, "even": true, "every": true,
	"from": true, "further": true, "have": true, "having": true, "here": true,
	"into": true, "just": true, "like": true, "made": true, "make": true,
	"many": true, "more": true, "most": true, "much": true, "must": true,
	"next": true, "only": true, "other": true, "over": true, "same": true,
	"should": true, "some": true, "such": true, "than": true, "that": true,
	"their": true, "them": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "those": true, "through": true, "under": true,
	"until": true, "upon": true, "very": true, "want": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "while": true,
	"will": true, "with": true, "would": true, "year": true, "years": true,
	"your": true, "yours": true, "using": true, "used": true, "uses": true,
	"says": true, "said": true, "still": true, "because": true, "without": true,
}

// Trending 统计标题与标签中的高频词，按频次降序、同频按首次出现顺序，取前 k 个并首字母大写
func Trending(items []collector.ContentItem, k int) []string {
	if k <= 0 {
		return []string{}
	}

	counts := make(map[string]int)
	var order []string
	for _, it := range items {
		for _, tok := range tokenize(it.Title + " " + strings.Join(it.Tags, " ")) {
			if counts[tok] == 0 {
				order = append(order, tok)
			}
			counts[tok]++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > k {
		order = order[:k]
	}

	out := make([]string, 0, len(order))
	for _, tok := range order {
		out = append(out, capitalize(tok))
	}
	return out
}

func tokenize(s string) []string {
	s = nonWord.ReplaceAllString(strings.ToLower(s), "")
	var tokens []string
	for _, word := range strings.Fields(s) {
		if utf8.RuneCountInString(word) <= 3 {
			continue
		}
		if stopWords[word] || isNumeric(word) {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
