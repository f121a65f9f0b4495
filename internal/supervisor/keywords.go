package supervisor

import "strings"

// KeywordMatcher decides whether an inbound message is an interrupt command.
// Matching is exact after trimming and lowercasing: "stop" interrupts,
// "please stop when convenient" does not. Fuzzy mode relaxes this to a
// substring check for deployments that want it.
type KeywordMatcher struct {
	exact map[string]struct{}
	list  []string
	fuzzy bool
}

func NewKeywordMatcher(keywords []string, fuzzy bool) *KeywordMatcher {
	m := &KeywordMatcher{
		exact: make(map[string]struct{}, len(keywords)),
		fuzzy: fuzzy,
	}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := m.exact[k]; ok {
			continue
		}
		m.exact[k] = struct{}{}
		m.list = append(m.list, k)
	}
	return m
}

// Match reports whether text is an interrupt command and which keyword fired.
func (m *KeywordMatcher) Match(text string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return "", false
	}
	if _, ok := m.exact[normalized]; ok {
		return normalized, true
	}
	if m.fuzzy {
		for _, k := range m.list {
			if strings.Contains(normalized, k) {
				return k, true
			}
		}
	}
	return "", false
}
