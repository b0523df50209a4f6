package service

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	apperrors "github.com/campaign-indexer/internal/errors"
)

// EncodeCursor renders a keyset position as an opaque page cursor
func EncodeCursor(pos any) string {
	data, _ := json.Marshal(pos)
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeCursor parses a cursor produced by EncodeCursor into pos. The URL-safe
// alphabet is accepted too since clients often re-encode query parameters.
func DecodeCursor(cursor string, pos any) error {
	var (
		data []byte
		err  error
	)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if data, err = enc.DecodeString(cursor); err == nil {
			break
		}
	}
	if err != nil {
		return apperrors.NewInvalidParameterError("cursor", "malformed cursor")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(pos); err != nil {
		return apperrors.NewInvalidParameterError("cursor", "malformed cursor")
	}
	return nil
}
