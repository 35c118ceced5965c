package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	assert.True(t, changed)
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		assert.Contains(t, out, marker)
	}
	assert.NotContains(t, out, "sam@example.com")
}

func TestRedactPIILeavesPlainText(t *testing.T) {
	out, changed := RedactPII("What breed is this cat?")
	assert.False(t, changed)
	assert.Equal(t, "What breed is this cat?", out)
}

func TestRedactURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "https://cdn.example.com/a.jpg", want: "https://cdn.example.com/a.jpg"},
		{in: "https://u:p@cdn.example.com/a.jpg?sig=abc#x", want: "https://cdn.example.com/a.jpg?redacted"},
		{in: "not a url", want: "[REDACTED_URL]"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RedactURL(tc.in), "input %q", tc.in)
	}
}
