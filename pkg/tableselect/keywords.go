package tableselect

import (
	"strings"
	"unicode"
)

// synonyms maps business terms (including common CJK analytics vocabulary)
// to schema vocabulary. Expansion feeds both the AI prompt and the
// deterministic fallback scorer.
var synonyms = map[string][]string{
	// CJK business terms
	"用户": {"user", "users", "account"},
	"订单": {"order", "orders"},
	"商品": {"product", "products", "item"},
	"客户": {"customer", "customers"},
	"活跃": {"active", "status"},
	"数量": {"count", "total", "quantity"},
	"金额": {"amount", "price", "total"},
	"时间": {"time", "date", "created_at"},
	"状态": {"status", "state"},
	"支付": {"payment", "pay"},
	"日志": {"log", "logs"},

	// English business terms
	"revenue":   {"amount", "price", "total"},
	"customers": {"customer", "user", "users"},
	"purchases": {"order", "orders", "payment"},
	"active":    {"status", "state"},
	"signups":   {"user", "users", "created_at"},
}

// ExtractKeywords tokenizes a question into lookup keywords. Latin text is
// split on non-letters; CJK runs are decomposed into overlapping bigrams so
// dictionary terms like 活跃/用户 are recovered without a segmenter.
func ExtractKeywords(question string) []string {
	var keywords []string
	seen := make(map[string]bool)
	add := func(k string) {
		k = strings.ToLower(strings.TrimSpace(k))
		if len(k) < 2 || seen[k] {
			return
		}
		seen[k] = true
		keywords = append(keywords, k)
	}

	var latin []rune
	var cjk []rune
	flushLatin := func() {
		if len(latin) > 0 {
			add(string(latin))
			latin = latin[:0]
		}
	}
	flushCJK := func() {
		for i := 0; i+1 < len(cjk); i++ {
			add(string(cjk[i : i+2]))
		}
		cjk = cjk[:0]
	}

	for _, r := range question {
		switch {
		case unicode.Is(unicode.Han, r):
			flushLatin()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			flushCJK()
			latin = append(latin, r)
		default:
			flushLatin()
			flushCJK()
		}
	}
	flushLatin()
	flushCJK()

	return keywords
}

// ExpandKeywords adds synonym terms to the keyword list.
func ExpandKeywords(keywords []string) []string {
	out := append([]string(nil), keywords...)
	seen := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		seen[k] = true
	}
	for _, k := range keywords {
		for _, syn := range synonyms[k] {
			if !seen[syn] {
				seen[syn] = true
				out = append(out, syn)
			}
		}
	}
	return out
}
