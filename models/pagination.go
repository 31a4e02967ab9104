package models

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// EncodeCompositeCursor encodes "<RFC3339Nano>|<id>".
func EncodeCompositeCursor(ts time.Time, id string) string {
	cursor := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id)
	return base64.StdEncoding.EncodeToString([]byte(cursor))
}

func DecodeCompositeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	ts, id, ok := strings.Cut(string(decoded), "|")
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", err
	}
	return t, id, nil
}

func EncodeApprovalCursor(c ApprovalCursor) string {
	return EncodeCompositeCursor(c.CreatedAt, c.ID)
}

// DecodeApprovalCursor returns InvalidInput for a malformed as_of.
func DecodeApprovalCursor(s string) (*ApprovalCursor, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	ts, id, err := DecodeCompositeCursor(s)
	if err != nil {
		return nil, WrapError(KindInvalidInput, "DecodeApprovalCursor", err, "invalid as_of cursor")
	}
	return &ApprovalCursor{CreatedAt: ts, ID: id}, nil
}
