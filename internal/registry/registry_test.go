package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClaimThenConflict(t *testing.T) {
	var events []string
	r := New(func(sessionID, action string, c Controller) {
		events = append(events, action)
	})
	s, err := r.Create(SessionSpec{})
	require.NoError(t, err)

	_, err = r.Claim(s.SessionID, ControllerClaim{ControllerID: "human-1", ControllerType: ControllerHuman})
	require.NoError(t, err)

	_, err = r.Claim(s.SessionID, ControllerClaim{ControllerID: "human-2", ControllerType: ControllerHuman})
	require.ErrorIs(t, err, ErrControllerConflict)

	_, err = r.Claim(s.SessionID, ControllerClaim{ControllerID: "human-1", ControllerType: ControllerHuman})
	require.NoError(t, err)

	require.Equal(t, []string{"claimed", "reclaimed"}, events)
}

func TestClaimUnknownSession(t *testing.T) {
	r := New(nil)
	_, err := r.Claim("nope", ControllerClaim{ControllerID: "a"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGCSweepsOnlyOldExited(t *testing.T) {
	r := New(nil)
	s1, _ := r.Create(SessionSpec{})
	s2, _ := r.Create(SessionSpec{})

	now := time.Now()
	require.NoError(t, r.MarkExited(s1.SessionID, now.Add(-1*time.Minute), StatusModel{}))
	require.NoError(t, r.MarkExited(s2.SessionID, now, StatusModel{}))

	swept := r.GC(now, 30*time.Second)
	require.Equal(t, []string{s1.SessionID}, swept)

	_, ok := r.Get(s1.SessionID)
	require.False(t, ok)
	_, ok = r.Get(s2.SessionID)
	require.True(t, ok)
}

func TestLiveDerivedFromStatus(t *testing.T) {
	r := New(nil)
	s, _ := r.Create(SessionSpec{})
	require.True(t, s.Live())

	require.NoError(t, r.MarkExited(s.SessionID, time.Now(), StatusModel{}))
	require.False(t, s.Live())
}
