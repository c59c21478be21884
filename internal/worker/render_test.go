package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	vars := map[string]any{
		"name": "Ada",
		"user": map[string]any{"name": "Ada", "age": 36},
		"order": map[string]any{
			"id":    float64(42),
			"items": map[string]string{"first": "book"},
		},
		"empty": nil,
	}

	cases := []struct {
		in, want string
	}{
		{"Hi {{user.name}}", "Hi Ada"},
		{"{{missing.path}}", ""},
		{"Hi {{ name }}!", "Hi Ada!"},
		{"#{{order.id}} {{order.items.first}}", "#42 book"},
		{"{{user.age}} years", "36 years"},
		{"[{{empty}}]", "[]"},
		{"{{user.name.first}}", ""},
		{"no placeholders", "no placeholders"},
		{"{{ not closed", "{{ not closed"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Render(tc.in, vars), tc.in)
	}
}

func TestRender_NilVars(t *testing.T) {
	assert.Equal(t, "Hello ", Render("Hello {{name}}", nil))
}

func TestMergeVars(t *testing.T) {
	got := mergeVars(
		map[string]any{"name": "default", "lang": "en"},
		map[string]any{"name": "Ada"},
	)
	assert.Equal(t, map[string]any{"name": "Ada", "lang": "en"}, got)
}
