package history

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"vitalsync/pkg/errors"
)

// Cursor points just past the last record of a page. Pages are ordered by
// (recorded_at, seq) descending, so the next page holds strictly older
// positions.
type Cursor struct {
	RecordedAt time.Time `json:"t"`
	Seq        int64     `json:"s"`
}

func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func ParseCursor(value string) (*Cursor, error) {
	if value == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, errors.ErrValidation.WithCause(err).WithDetail("message", "invalid cursor")
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.RecordedAt.IsZero() {
		return nil, errors.ErrValidation.WithCause(err).WithDetail("message", "invalid cursor")
	}
	return &c, nil
}
