package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateStrings(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reasserting", StateReasserting.String())
	assert.Equal(t, "unknown", SessionState(99).String())
}

func TestSessionStateClassification(t *testing.T) {
	for _, s := range []SessionState{StateConnecting, StateConnected, StateReasserting} {
		assert.True(t, s.IsActive(), "%s should be active", s)
	}
	for _, s := range []SessionState{StateDisconnected, StateDisconnecting, StateInvalid} {
		assert.False(t, s.IsActive(), "%s should not be active", s)
	}
	for _, s := range []SessionState{StateConnected, StateDisconnected, StateInvalid} {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	for _, s := range []SessionState{StateConnecting, StateDisconnecting, StateReasserting} {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestValidTransition(t *testing.T) {
	allowed := []struct{ from, to SessionState }{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateDisconnecting},
		{StateConnected, StateDisconnecting},
		{StateConnected, StateReasserting},
		{StateReasserting, StateConnected},
		{StateDisconnecting, StateDisconnected},
		{StateConnected, StateInvalid},
		{StateDisconnecting, StateInvalid},
		{StateInvalid, StateConnecting},
	}
	for _, tc := range allowed {
		assert.True(t, ValidTransition(tc.from, tc.to), "%s → %s should be allowed", tc.from, tc.to)
	}

	forbidden := []struct{ from, to SessionState }{
		{StateDisconnected, StateConnected},
		{StateConnected, StateConnecting},
		{StateDisconnecting, StateConnected},
		{StateDisconnected, StateReasserting},
	}
	for _, tc := range forbidden {
		assert.False(t, ValidTransition(tc.from, tc.to), "%s → %s should be rejected", tc.from, tc.to)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.yaml")
	fs := NewFileStore(path)

	_, err := fs.Load("t1")
	require.Error(t, err, "missing record should not load")

	rec := TunnelRecord{ID: "t1", Name: "Server", Transport: "scheme: direct\nendpoint: proxy:443\n"}
	require.NoError(t, fs.Save(rec))

	got, err := fs.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	// Save replaces in place rather than appending.
	got.OnDemand = true
	require.NoError(t, fs.Save(got))
	again, err := fs.Load("t1")
	require.NoError(t, err)
	assert.True(t, again.OnDemand)

	require.NoError(t, fs.Save(TunnelRecord{ID: "t2"}))
	_, err = fs.Load("t1")
	assert.NoError(t, err, "saving another record must not clobber t1")
}
