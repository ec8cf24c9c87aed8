package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    SessionSuffix
		wantErr bool
	}{
		{name: "full id", raw: "conv_7_abc123", want: "abc123"},
		{name: "bare suffix", raw: "abc-123_x", want: "abc-123_x"},
		{name: "surrounding space", raw: "  conv_7_abc  ", want: "abc"},
		{name: "other agent", raw: "conv_8_abc123", wantErr: true},
		{name: "agent prefix collision", raw: "conv_77_abc", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
		{name: "bad chars", raw: "abc/../x", wantErr: true},
		{name: "empty suffix", raw: "conv_7_", wantErr: true},
		{name: "too long", raw: strings.Repeat("a", 129), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSessionID(7, tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSessionID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatSessionID(t *testing.T) {
	suffix := NewSessionSuffix()
	id := FormatSessionID(42, suffix)
	assert.True(t, strings.HasPrefix(id, "conv_42_"))

	parsed, err := ParseSessionID(42, id)
	require.NoError(t, err)
	assert.Equal(t, suffix, parsed)

	c := &Conversation{AgentID: 42, SessionID: id}
	got, err := c.Suffix()
	require.NoError(t, err)
	assert.Equal(t, suffix, got)
}

func TestAgentCanAccess(t *testing.T) {
	open := &Agent{ID: 1}
	assert.True(t, open.CanAccess(0, "anyone"))
	assert.True(t, open.CanAccess(3, "anyone"))

	scoped := &Agent{ID: 2, AppID: 3, AllowedUsers: []string{"alice"}}
	assert.True(t, scoped.CanAccess(3, "alice"))
	assert.True(t, scoped.CanAccess(0, "alice"))
	assert.False(t, scoped.CanAccess(4, "alice"))
	assert.False(t, scoped.CanAccess(3, "bob"))
}
