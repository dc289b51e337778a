package media

import (
	"testing"

	"musive/internal/apperr"
	"musive/internal/models"
)

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "appends separator", in: "http://x/a", want: "http://x/a?"},
		{name: "keeps existing separator", in: "http://x/a?", want: "http://x/a?"},
		{name: "empty", in: "", want: "?"},
		{name: "existing query without trailing separator", in: "http://x/a?w=10", want: "http://x/a?w=10?"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeURL(tc.in); got != tc.want {
				t.Fatalf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{"", "?", "http://x/a", "http://x/a?", "https://cdn.example/img.png??"}
	for _, in := range inputs {
		once := Normalize(in, "#fff")
		twice := Normalize(once.URL, once.Color)
		if once != twice {
			t.Fatalf("normalize not idempotent for %q: %+v vs %+v", in, once, twice)
		}
	}
}

func TestNormalizePreservesColor(t *testing.T) {
	got := Normalize("http://x/a", "#123456")
	want := models.MediaAsset{URL: "http://x/a?", Color: "#123456"}
	if got != want {
		t.Fatalf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("avatar", models.MediaAsset{URL: "http://x/a b", Color: "#fff"}, false); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for whitespace, got %v", err)
	}
	if err := Validate("cover_image", models.MediaAsset{URL: "http://x/a\n"}, false); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for control character, got %v", err)
	}
	err := Validate("cover_image", models.MediaAsset{URL: "http://x/a"}, true)
	classified, ok := apperr.As(err)
	if !ok || classified.Field != "cover_image.color" {
		t.Fatalf("expected missing color to be reported, got %v", err)
	}
	if err := Validate("avatar", models.MediaAsset{URL: "http://x/a"}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
