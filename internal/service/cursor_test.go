package service

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-indexer/internal/storage"
)

func mustField(t *testing.T, raw json.RawMessage, name string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	v, ok := fields[name]
	require.True(t, ok, "missing field %s", name)
	return v
}

func TestCursor_RoundTrip(t *testing.T) {
	in := storage.CampaignPosition{BlockNumber: 42, Address: addr(0xa1)}
	cursor := EncodeCursor(in)

	raw, err := base64.StdEncoding.DecodeString(cursor)
	require.NoError(t, err)
	assert.JSONEq(t, `{"blockNumber":42,"address":"`+addr(0xa1)+`"}`, string(raw))

	var out storage.CampaignPosition
	require.NoError(t, DecodeCursor(cursor, &out))
	assert.Equal(t, in, out)
}

func TestCursor_AcceptsURLSafeAlphabet(t *testing.T) {
	data, err := json.Marshal(storage.EventPosition{BlockNumber: 1<<40 - 1, LogIndex: 1023})
	require.NoError(t, err)

	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding} {
		var out storage.EventPosition
		require.NoError(t, DecodeCursor(enc.EncodeToString(data), &out))
		assert.Equal(t, uint64(1<<40-1), out.BlockNumber)
		assert.Equal(t, uint(1023), out.LogIndex)
	}
}

func TestCursor_Malformed(t *testing.T) {
	var pos storage.EventPosition
	for _, cursor := range []string{
		"not base64!",
		base64.StdEncoding.EncodeToString([]byte("not json")),
		base64.StdEncoding.EncodeToString([]byte(`{"blockNumber":"x"}`)),
	} {
		assert.Error(t, DecodeCursor(cursor, &pos), cursor)
	}
}
