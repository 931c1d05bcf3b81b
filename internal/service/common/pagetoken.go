package common

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrForeignToken reports a page token minted for a different phone.
var ErrForeignToken = errors.New("page token belongs to another phone")

// EncodePageToken wraps a store paging state for the outcome history of
// phone. The token carries the phone so it cannot resume another listing.
func EncodePageToken(phone int64, state []byte) string {
	buf := make([]byte, 8, 8+len(state))
	binary.BigEndian.PutUint64(buf, uint64(phone))
	return base64.RawURLEncoding.EncodeToString(append(buf, state...))
}

// DecodePageToken returns the paging state of token after checking that it
// was minted for phone.
func DecodePageToken(token string, phone int64) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode page token: %w", err)
	}
	if len(raw) <= 8 {
		return nil, errors.New("decode page token: too short")
	}
	if int64(binary.BigEndian.Uint64(raw[:8])) != phone {
		return nil, ErrForeignToken
	}
	return raw[8:], nil
}
