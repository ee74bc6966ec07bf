package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Payload is a serialized message ready to be published.
type Payload struct {
	Body       []byte
	DedupToken string
}

// Encode serializes data as JSON and derives its deduplication token. A nil
// data encodes as an empty object.
//
// encoding/json sorts map keys, so structurally equal maps produce the same
// body and therefore the same token.
func Encode(data any) (Payload, error) {
	if data == nil {
		data = map[string]any{}
	}

	body, err := json.Marshal(data)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	return Payload{Body: body, DedupToken: DedupToken(body)}, nil
}

// DedupToken returns the lowercase hex SHA-256 digest of body.
func DedupToken(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
