package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MediaAsset is an embedded image reference. URL is canonical once it has
// passed through media.Normalize: it always ends with "?".
type MediaAsset struct {
	URL   string `json:"url"`
	Color string `json:"color"`
}

// Artist is a catalog record keyed externally by Username.
type Artist struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	Avatar      MediaAsset `json:"avatar"`
	Gender      string     `json:"gender"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Track is a catalog record keyed externally by TrackName. UserID references
// the owning artist or user without an enforced foreign key.
type Track struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	TrackName   string     `json:"track_name"`
	Duration    Seconds    `json:"duration"`
	DownloadURL string     `json:"download_url"`
	Src         string     `json:"src"`
	CoverImage  MediaAsset `json:"cover_image"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Seconds is a non-negative track length. The wire form is a JSON number, but
// numeric strings are accepted on input because form-driven clients send the
// raw field value.
type Seconds int64

// MarshalJSON encodes the value as a JSON number.
func (s Seconds) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(s), 10)), nil
}

// UnmarshalJSON accepts 215, 215.0 and "215".
func (s *Seconds) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*s = 0
		return nil
	}
	raw := string(trimmed)
	if strings.HasPrefix(raw, "\"") {
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return err
		}
		raw = strings.TrimSpace(str)
	}
	parsed, err := ParseSeconds(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeconds parses a whole, non-negative number of seconds.
func ParseSeconds(value string) (Seconds, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("duration is empty")
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("duration %q is negative", value)
		}
		return Seconds(n), nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("duration %q is not a number", value)
	}
	if f < 0 {
		return 0, fmt.Errorf("duration %q is negative", value)
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("duration %q must be whole seconds", value)
	}
	return Seconds(int64(f)), nil
}
