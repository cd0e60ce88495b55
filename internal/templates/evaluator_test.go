package templates

import (
	"reflect"
	"testing"
)

func TestEvaluate(t *testing.T) {
	ctx := map[string]any{
		"contact": map[string]any{
			"name":        "Ben Haggerty",
			"tel":         "+250788383383",
			"__default__": "Ben Haggerty",
		},
		"flow": map[string]any{
			"color": "red",
		},
	}

	tests := []struct {
		name           string
		template       string
		want           string
		wantUnresolved []string
	}{
		{
			name:     "simple substitution",
			template: "Hi @contact.name, thanks!",
			want:     "Hi Ben Haggerty, thanks!",
		},
		{
			name:     "composite default",
			template: "Hi @contact",
			want:     "Hi Ben Haggerty",
		},
		{
			name:     "trailing period kept",
			template: "Your color is @flow.color.",
			want:     "Your color is red.",
		},
		{
			name:           "unresolved passes through",
			template:       "Hi @contact.nickname!",
			want:           "Hi @contact.nickname!",
			wantUnresolved: []string{"contact.nickname"},
		},
		{
			name:     "escaped at",
			template: "email me @@work",
			want:     "email me @work",
		},
		{
			name:     "bare at",
			template: "meet @ noon",
			want:     "meet @ noon",
		},
		{
			name:     "no expressions",
			template: "plain text",
			want:     "plain text",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, unresolved := Evaluate(tc.template, ctx)
			if got != tc.want {
				t.Fatalf("Evaluate(%q)=%q, expected %q", tc.template, got, tc.want)
			}
			if !reflect.DeepEqual(unresolved, tc.wantUnresolved) {
				t.Fatalf("unresolved=%v, expected %v", unresolved, tc.wantUnresolved)
			}
		})
	}
}
