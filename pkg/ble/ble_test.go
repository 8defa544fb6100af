package ble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisconnectWithoutConnect(t *testing.T) {
	l := New()
	require.NoError(t, l.Disconnect())
	assert.False(t, l.IsConnected())
}

func TestCloseWithoutConnect(t *testing.T) {
	// The HCI device is opened lazily, so closing a link that never
	// dialed has nothing to release.
	l := New()
	require.NoError(t, l.Close())
	assert.False(t, l.IsConnected())

	// Close is safe to call twice.
	require.NoError(t, l.Close())
}
