// Package media canonicalizes the image and audio URLs embedded in catalog
// records. A canonical URL always ends with "?" so downstream consumers can
// concatenate query parameters without inspecting the URL first.
package media

import (
	"strings"
	"unicode"

	"musive/internal/apperr"
	"musive/internal/models"
)

const querySeparator = "?"

// NormalizeURL appends "?" unless raw already ends with one. An empty value
// becomes "?".
func NormalizeURL(raw string) string {
	if strings.HasSuffix(raw, querySeparator) {
		return raw
	}
	return raw + querySeparator
}

// Normalize returns the canonical asset for url and color. It is pure and
// idempotent.
func Normalize(url, color string) models.MediaAsset {
	return models.MediaAsset{URL: NormalizeURL(url), Color: color}
}

// NormalizeAsset is Normalize applied to an existing value.
func NormalizeAsset(asset models.MediaAsset) models.MediaAsset {
	return Normalize(asset.URL, asset.Color)
}

// ValidateURL rejects URLs containing whitespace or control characters.
func ValidateURL(field, raw string) error {
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return apperr.Validationf(field, "%s must not contain whitespace or control characters", field)
		}
	}
	return nil
}

// Validate checks an asset before normalization. When requireColor is set the
// color must be non-empty.
func Validate(field string, asset models.MediaAsset, requireColor bool) error {
	if err := ValidateURL(field+".url", asset.URL); err != nil {
		return err
	}
	if requireColor && strings.TrimSpace(asset.Color) == "" {
		return apperr.Validationf(field+".color", "%s.color is required", field)
	}
	return nil
}
