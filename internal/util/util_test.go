package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "Agenda", "Agenda"},
		{"paragraphs", "<p>One</p><p>Two</p>", "One\n\nTwo"},
		{"breaks", "a<br>b<br/>c", "a\nb\nc"},
		{"list", "<ul><li>x</li><li>y</li></ul>", "- x\n- y"},
		{"entities", "Tom &amp; Jerry&nbsp;show", "Tom & Jerry show"},
		{"link", `Join <a href="https://meet.example.com/abc">here</a>`, "Join here (https://meet.example.com/abc)"},
		{"bare link", `<a href="https://x.example.com">https://x.example.com</a>`, "https://x.example.com"},
		{"google redirect", `<a href="https://www.google.com/url?q=https://real.example.com&amp;sa=D">doc</a>`, "doc (https://real.example.com)"},
		{"outlook document", "<html><head><style>p{}</style></head><body><div>Hi</div></body></html>", "Hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTMLToText(tt.in))
		})
	}
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "hello", TruncateText("hello", 10))
	assert.Equal(t, "hel…", TruncateText("hello", 4))
	assert.Equal(t, "…", TruncateText("hello", 1))
	assert.Equal(t, "hello", TruncateText("hello", 0))
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2025, 1, 6, 17, 0, 0, 0, time.UTC)
	assert.Equal(t, "never", RelativeTime(time.Time{}, now))
	assert.Equal(t, "just now", RelativeTime(now.Add(-10*time.Second), now))
	assert.Equal(t, "5m ago", RelativeTime(now.Add(-5*time.Minute), now))
	assert.Equal(t, "in 2h", RelativeTime(now.Add(2*time.Hour), now))
	assert.Equal(t, "3d ago", RelativeTime(now.Add(-72*time.Hour), now))
}
