package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageTokenRoundTrip(t *testing.T) {
	token := EncodePageToken(79990001122, []byte("state"))

	state, err := DecodePageToken(token, 79990001122)
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), state)
}

func TestPageTokenRejects(t *testing.T) {
	token := EncodePageToken(79990001122, []byte("state"))

	_, err := DecodePageToken(token, 79990003344)
	assert.ErrorIs(t, err, ErrForeignToken)

	_, err = DecodePageToken("%%%", 79990001122)
	assert.Error(t, err)

	_, err = DecodePageToken(EncodePageToken(79990001122, nil), 79990001122)
	assert.Error(t, err, "a token without state resumes nothing")
}
