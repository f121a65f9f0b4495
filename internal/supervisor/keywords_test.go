package supervisor

import "testing"

func TestKeywordMatcher_ExactMatch(t *testing.T) {
	m := NewKeywordMatcher([]string{"stop", "cancel", "/stop", "멈춰"}, false)

	cases := []struct {
		text string
		want bool
	}{
		{"stop", true},
		{"STOP", true},
		{"  Stop  ", true},
		{"/stop", true},
		{"멈춰", true},
		{"please stop the task", false},
		{"stopwatch", false},
		{"", false},
		{"   ", false},
	}
	for _, tc := range cases {
		if _, got := m.Match(tc.text); got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestKeywordMatcher_Fuzzy(t *testing.T) {
	m := NewKeywordMatcher([]string{"stop"}, true)

	if _, ok := m.Match("please stop now"); !ok {
		t.Error("fuzzy matcher missed embedded keyword")
	}
	if kw, ok := m.Match("stop"); !ok || kw != "stop" {
		t.Errorf("Match(stop) = %q, %v", kw, ok)
	}
	if _, ok := m.Match("carry on"); ok {
		t.Error("fuzzy matcher fired without keyword")
	}
}

func TestKeywordMatcher_ReportsFiredKeyword(t *testing.T) {
	m := NewKeywordMatcher([]string{"stop", "취소"}, false)
	if kw, ok := m.Match(" 취소 "); !ok || kw != "취소" {
		t.Errorf("Match = %q, %v", kw, ok)
	}
}
