package classify

import (
	"regexp"
	"strings"
)

// Country is one entry in the region table. Fragments are matched with word
// boundaries case-insensitively; CJK fragments are matched as substrings
// since CJK text carries no word boundaries.
type Country struct {
	Code   string
	NameEN string
	NameZH string

	fragments []string
	cjk       []string
}

// countryTable is ordered; the first match wins, so more specific regions
// precede the countries that contain them (HK/TW/MO before CN).
var countryTable = []Country{
	{Code: "HK", NameEN: "Hong Kong", NameZH: "香港", fragments: []string{"hong kong", "hongkong", "hk", "hkg"}, cjk: []string{"香港", "港"}},
	{Code: "TW", NameEN: "Taiwan", NameZH: "台湾", fragments: []string{"taiwan", "tw", "twn"}, cjk: []string{"台湾", "臺灣", "台"}},
	{Code: "MO", NameEN: "Macao", NameZH: "澳门", fragments: []string{"macao", "macau", "mo"}, cjk: []string{"澳门", "澳門"}},
	{Code: "JP", NameEN: "Japan", NameZH: "日本", fragments: []string{"japan", "jp", "jpn", "tokyo", "osaka"}, cjk: []string{"日本", "东京", "大阪", "日"}},
	{Code: "SG", NameEN: "Singapore", NameZH: "新加坡", fragments: []string{"singapore", "sg", "sgp"}, cjk: []string{"新加坡", "狮城", "新"}},
	{Code: "US", NameEN: "United States", NameZH: "美国", fragments: []string{"united states", "usa", "us", "america", "los angeles", "san jose", "seattle"}, cjk: []string{"美国", "美國", "美"}},
	{Code: "KR", NameEN: "South Korea", NameZH: "韩国", fragments: []string{"korea", "kr", "kor", "seoul"}, cjk: []string{"韩国", "韓國", "首尔", "韩"}},
	{Code: "UK", NameEN: "United Kingdom", NameZH: "英国", fragments: []string{"united kingdom", "uk", "gbr", "britain", "london"}, cjk: []string{"英国", "英國", "英"}},
	{Code: "DE", NameEN: "Germany", NameZH: "德国", fragments: []string{"germany", "de", "deu", "frankfurt"}, cjk: []string{"德国", "德國", "德"}},
	{Code: "FR", NameEN: "France", NameZH: "法国", fragments: []string{"france", "fr", "fra", "paris"}, cjk: []string{"法国", "法國", "法"}},
	{Code: "CA", NameEN: "Canada", NameZH: "加拿大", fragments: []string{"canada", "ca", "can"}, cjk: []string{"加拿大", "加"}},
	{Code: "AU", NameEN: "Australia", NameZH: "澳大利亚", fragments: []string{"australia", "au", "aus", "sydney"}, cjk: []string{"澳大利亚", "澳洲"}},
	{Code: "RU", NameEN: "Russia", NameZH: "俄罗斯", fragments: []string{"russia", "ru", "rus", "moscow"}, cjk: []string{"俄罗斯", "俄"}},
	{Code: "IN", NameEN: "India", NameZH: "印度", fragments: []string{"india", "in", "ind", "mumbai"}, cjk: []string{"印度"}},
	{Code: "MY", NameEN: "Malaysia", NameZH: "马来西亚", fragments: []string{"malaysia", "my", "mys"}, cjk: []string{"马来西亚", "马来"}},
	{Code: "TH", NameEN: "Thailand", NameZH: "泰国", fragments: []string{"thailand", "th", "tha", "bangkok"}, cjk: []string{"泰国", "泰"}},
	{Code: "VN", NameEN: "Vietnam", NameZH: "越南", fragments: []string{"vietnam", "vn", "vnm"}, cjk: []string{"越南"}},
	{Code: "PH", NameEN: "Philippines", NameZH: "菲律宾", fragments: []string{"philippines", "ph", "phl"}, cjk: []string{"菲律宾"}},
	{Code: "ID", NameEN: "Indonesia", NameZH: "印尼", fragments: []string{"indonesia", "id", "idn", "jakarta"}, cjk: []string{"印尼", "印度尼西亚"}},
	{Code: "TR", NameEN: "Turkey", NameZH: "土耳其", fragments: []string{"turkey", "tr", "tur"}, cjk: []string{"土耳其"}},
	{Code: "NL", NameEN: "Netherlands", NameZH: "荷兰", fragments: []string{"netherlands", "nl", "nld", "amsterdam"}, cjk: []string{"荷兰", "荷蘭"}},
	{Code: "BR", NameEN: "Brazil", NameZH: "巴西", fragments: []string{"brazil", "br", "bra"}, cjk: []string{"巴西"}},
	{Code: "AR", NameEN: "Argentina", NameZH: "阿根廷", fragments: []string{"argentina", "ar", "arg"}, cjk: []string{"阿根廷"}},
	{Code: "CN", NameEN: "China", NameZH: "中国", fragments: []string{"china", "cn", "chn", "shanghai", "beijing"}, cjk: []string{"中国", "中國", "沪", "京"}},
}

const (
	regionalIndicatorBase = 0x1F1E6
	regionalIndicatorMax  = 0x1F1FF
)

// FlagFor converts a two-letter country code to its regional indicator flag.
// UK is aliased to the GB flag.
func FlagFor(code string) string {
	if code == "UK" {
		code = "GB"
	}
	if len(code) != 2 {
		return ""
	}
	code = strings.ToUpper(code)
	a, b := rune(code[0]), rune(code[1])
	if a < 'A' || a > 'Z' || b < 'A' || b > 'Z' {
		return ""
	}
	return string([]rune{
		regionalIndicatorBase + a - 'A',
		regionalIndicatorBase + b - 'A',
	})
}

// codeForFlag extracts the country code from the first regional indicator
// pair found in s. The GB flag maps back to UK.
func codeForFlag(s string) string {
	runes := []rune(s)
	for i := 0; i+1 < len(runes); i++ {
		if isRegionalIndicator(runes[i]) && isRegionalIndicator(runes[i+1]) {
			code := string([]rune{
				'A' + runes[i] - regionalIndicatorBase,
				'A' + runes[i+1] - regionalIndicatorBase,
			})
			if code == "GB" {
				return "UK"
			}
			return code
		}
	}
	return ""
}

// stripFlags removes every regional indicator rune from s.
func stripFlags(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isRegionalIndicator(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isRegionalIndicator(r rune) bool {
	return r >= regionalIndicatorBase && r <= regionalIndicatorMax
}

// countryMatcher holds the per-country patterns precompiled once at
// construction. Matching order follows countryTable.
type countryMatcher struct {
	entries []countryEntry
	byCode  map[string]*Country
}

type countryEntry struct {
	country *Country
	pattern *regexp.Regexp
}

func newCountryMatcher() *countryMatcher {
	m := &countryMatcher{byCode: make(map[string]*Country, len(countryTable))}
	for i := range countryTable {
		c := &countryTable[i]
		m.byCode[c.Code] = c
		alts := make([]string, 0, len(c.fragments))
		for _, f := range c.fragments {
			alts = append(alts, regexp.QuoteMeta(f))
		}
		pattern := regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
		m.entries = append(m.entries, countryEntry{country: c, pattern: pattern})
	}
	return m
}

// match returns the country code hinted by name, or "".
func (m *countryMatcher) match(name string) string {
	if code := codeForFlag(name); code != "" {
		return code
	}
	for _, e := range m.entries {
		for _, frag := range e.country.cjk {
			if strings.Contains(name, frag) {
				return e.country.Code
			}
		}
		if e.pattern.MatchString(name) {
			return e.country.Code
		}
	}
	return ""
}

// lookup returns the table entry for a code.
func (m *countryMatcher) lookup(code string) (*Country, bool) {
	c, ok := m.byCode[code]
	return c, ok
}
