package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShareArg_PlainURL(t *testing.T) {
	url, fileID, key, err := parseShareArg("https://dropgate.example/abc123", "")
	require.NoError(t, err)
	assert.Equal(t, "https://dropgate.example", url)
	assert.Equal(t, "abc123", fileID)
	assert.Empty(t, key)
}

func TestParseShareArg_EncryptedURLWithFragment(t *testing.T) {
	url, fileID, key, err := parseShareArg("https://dropgate.example/abc123#c2VjcmV0", "")
	require.NoError(t, err)
	assert.Equal(t, "https://dropgate.example", url)
	assert.Equal(t, "abc123", fileID)
	assert.Equal(t, "c2VjcmV0", key)
}

func TestParseShareArg_BareFileIDRequiresServer(t *testing.T) {
	_, _, _, err := parseShareArg("abc123", "")
	assert.Error(t, err)
}

func TestParseShareArg_BareFileIDWithServer(t *testing.T) {
	url, fileID, key, err := parseShareArg("abc123", "https://dropgate.example/")
	require.NoError(t, err)
	assert.Equal(t, "https://dropgate.example", url)
	assert.Equal(t, "abc123", fileID)
	assert.Empty(t, key)
}

func TestParseShareArg_BareFileIDWithKeyFragment(t *testing.T) {
	url, fileID, key, err := parseShareArg("abc123#c2VjcmV0", "https://dropgate.example")
	require.NoError(t, err)
	assert.Equal(t, "https://dropgate.example", url)
	assert.Equal(t, "abc123", fileID)
	assert.Equal(t, "c2VjcmV0", key)
}
