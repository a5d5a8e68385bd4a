package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionStatusValid(t *testing.T) {
	require.True(t, SessionActive.Valid())
	require.True(t, SessionExpired.Valid())
	require.True(t, SessionRevoked.Valid())
	require.False(t, SessionStatus("active").Valid())
	require.False(t, SessionStatus("").Valid())
}

func TestAuditSeverityValid(t *testing.T) {
	require.True(t, SeverityInfo.Valid())
	require.True(t, SeverityWarning.Valid())
	require.True(t, SeverityCritical.Valid())
	require.False(t, AuditSeverity("fatal").Valid())
}

func TestRateLimitEventWindowSize(t *testing.T) {
	event := RateLimitEvent{WindowSeconds: 300}
	require.Equal(t, "5m0s", event.WindowSize().String())
}
