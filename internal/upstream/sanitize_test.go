package upstream

import "testing"

func TestSanitizeBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello", "hello"},
		{"paragraph", "<p>hello</p>", "hello"},
		{"entities", "<p>fish &amp; chips</p>", "fish & chips"},
		{"line break", "line one<br/>line two", "line one\nline two"},
		{"paragraphs", "<p>one</p><p>two</p>", "one\ntwo"},
		{"script", `<p>hi<script>alert("x")</script></p>`, "hi"},
		{"link", `<a href="https://example.com">docs</a>`, "docs"},
		{"blank runs", "a<br><br><br><br>b", "a\n\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeBody(tt.in); got != tt.want {
				t.Errorf("SanitizeBody(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
