package broadcasts

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		bcast   Broadcast
		wantErr bool
	}{
		{
			name:  "valid",
			bcast: Broadcast{BaseLanguage: "eng", Text: Translations{"eng": "hi"}, GroupIDs: []string{"g1"}},
		},
		{
			name:    "no base language",
			bcast:   Broadcast{Text: Translations{"eng": "hi"}, GroupIDs: []string{"g1"}},
			wantErr: true,
		},
		{
			name:    "text missing base language",
			bcast:   Broadcast{BaseLanguage: "eng", Text: Translations{"fra": "salut"}, GroupIDs: []string{"g1"}},
			wantErr: true,
		},
		{
			name: "media missing base language",
			bcast: Broadcast{
				BaseLanguage: "eng", Text: Translations{"eng": "hi"},
				Media:    map[string][]string{"fra": {"image/jpeg:http://x/y.jpg"}},
				GroupIDs: []string{"g1"},
			},
			wantErr: true,
		},
		{
			name:    "no recipients",
			bcast:   Broadcast{BaseLanguage: "eng", Text: Translations{"eng": "hi"}},
			wantErr: true,
		},
		{
			name:  "urn only recipients",
			bcast: Broadcast{BaseLanguage: "eng", Text: Translations{"eng": "hi"}, URNIDs: []string{"u1"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.bcast.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestTextForLanguageChain(t *testing.T) {
	bcast := &Broadcast{
		BaseLanguage: "eng",
		Text:         Translations{"eng": "hello", "fra": "salut"},
	}

	tests := []struct {
		name      string
		preferred []string
		want      string
	}{
		{"contact language wins", []string{"fra", "eng"}, "salut"},
		{"falls through missing language", []string{"spa", "eng"}, "hello"},
		{"empty languages skipped", []string{"", "fra"}, "salut"},
		{"base language last resort", []string{"spa", "deu"}, "hello"},
		{"no preferences", nil, "hello"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := bcast.TextFor(tc.preferred...); got != tc.want {
				t.Fatalf("TextFor(%v) = %q, want %q", tc.preferred, got, tc.want)
			}
		})
	}
}

func TestMediaAndQuickRepliesChain(t *testing.T) {
	bcast := &Broadcast{
		BaseLanguage: "eng",
		Text:         Translations{"eng": "hi"},
		Media: map[string][]string{
			"eng": {"image/jpeg:http://x/en.jpg"},
			"fra": {"image/jpeg:http://x/fr.jpg"},
		},
		QuickReplies: map[string][]string{
			"eng": {"Yes", "No"},
		},
	}

	if got := bcast.MediaFor("fra"); got[0] != "image/jpeg:http://x/fr.jpg" {
		t.Fatalf("expected french media, got %v", got)
	}
	if got := bcast.MediaFor("spa"); got[0] != "image/jpeg:http://x/en.jpg" {
		t.Fatalf("expected base media fallback, got %v", got)
	}
	if got := bcast.QuickRepliesFor("fra"); len(got) != 2 {
		t.Fatalf("quick replies should fall back to base, got %v", got)
	}
}
