package resource

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/changed/api"
)

// cursor pins a sort position, a fingerprint of the element at that
// position, and a fingerprint of the whole listing snapshot it was issued
// against. Resume validates all three; any drift in the snapshot is
// reported instead of silently skipping or repeating elements.
type cursor struct {
	Slug        string    `json:"slug"`
	ModifiedAt  time.Time `json:"modified_at"`
	CreatedAt   time.Time `json:"created_at"`
	Fingerprint string    `json:"fingerprint"`
	Snapshot    string    `json:"snapshot"`
}

func encodeCursor(item api.ChangeSummary, items []api.ChangeSummary) string {
	encoded, _ := json.Marshal(cursor{
		Slug:        item.Slug,
		ModifiedAt:  item.ModifiedAt,
		CreatedAt:   item.CreatedAt,
		Fingerprint: fingerprint(item),
		Snapshot:    snapshotFingerprint(items),
	})
	return base64.RawURLEncoding.EncodeToString(encoded)
}

func decodeCursor(token string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, invalidCursor(err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, invalidCursor(err)
	}
	if c.Slug == "" || c.Fingerprint == "" || c.Snapshot == "" {
		return cursor{}, invalidCursor(fmt.Errorf("missing fields"))
	}
	return c, nil
}

// sortsBefore reports whether item sorts strictly before the cursor's
// recorded position under the listing order.
func (c cursor) sortsBefore(item api.ChangeSummary) bool {
	if !item.ModifiedAt.Equal(c.ModifiedAt) {
		return item.ModifiedAt.After(c.ModifiedAt)
	}
	if !item.CreatedAt.Equal(c.CreatedAt) {
		return item.CreatedAt.After(c.CreatedAt)
	}
	return item.Slug < c.Slug
}

func fingerprint(item api.ChangeSummary) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", item.Slug, item.ModifiedAt.UnixNano(), item.CreatedAt.UnixNano())))
	return hex.EncodeToString(sum[:])
}

// snapshotFingerprint hashes the sorted listing as a whole, so a cursor can
// detect elements that re-sorted across its position.
func snapshotFingerprint(items []api.ChangeSummary) string {
	h := sha256.New()
	for _, item := range items {
		fmt.Fprintf(h, "%s|%d|%d\n", item.Slug, item.ModifiedAt.UnixNano(), item.CreatedAt.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}

func invalidCursor(err error) api.Failure {
	return api.Failure{
		Code:       api.CodeInvalidCursor,
		Detail:     fmt.Sprintf("malformed cursor: %v", err),
		Hint:       "restart the listing without a cursor",
		HTTPStatus: 400,
	}
}

func staleCursor() api.Failure {
	return api.Failure{
		Code:       api.CodeStaleCursor,
		Detail:     "listing changed since the cursor was issued",
		Hint:       "restart the listing without a cursor",
		HTTPStatus: 409,
	}
}
