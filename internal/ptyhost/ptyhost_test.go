package ptyhost

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartWriteEcho(t *testing.T) {
	h := Start("/bin/cat", nil, os.Environ(), "", 80, 24)
	defer h.Close()

	require.NotZero(t, h.ProcessID())

	_, err := h.Write([]byte("hello\n"))
	require.NoError(t, err)

	select {
	case chunk, ok := <-h.Data():
		require.True(t, ok)
		require.Contains(t, string(chunk), "hello")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed output")
	}
}

func TestExitDeliveredOnce(t *testing.T) {
	h := Start("/bin/sh", []string{"-c", "exit 7"}, os.Environ(), "", 80, 24)

	var info ExitInfo
	select {
	case info = <-h.Exit():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	require.NotNil(t, info.Code)
	require.Equal(t, 7, *info.Code)

	// Exit() is closed after the first delivery; a second receive must not
	// block and must yield the zero value.
	second, ok := <-h.Exit()
	require.False(t, ok)
	require.Equal(t, ExitInfo{}, second)
}

func TestSpawnFailureReportsSyntheticExit(t *testing.T) {
	h := Start("/no/such/binary-xyz", nil, os.Environ(), "", 80, 24)

	_, ok := <-h.Data()
	require.False(t, ok, "Data() must close without emitting on spawn failure")

	select {
	case info := <-h.Exit():
		require.Nil(t, info.Code)
		require.Nil(t, info.Signal)
		require.NotEmpty(t, info.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synthetic exit")
	}

	require.Zero(t, h.ProcessID())

	n, err := h.Write([]byte("x"))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWriteAfterCloseIsNoop(t *testing.T) {
	h := Start("/bin/cat", nil, os.Environ(), "", 80, 24)
	require.NoError(t, h.Close())

	n, err := h.Write([]byte("x"))
	require.NoError(t, err)
	require.Zero(t, n)
}
