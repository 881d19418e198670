package broker

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoyers/harness/internal/ptyhost"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestEchoAndReplay: attach, write, detach at a cursor, write more while
// detached, attach with sinceCursor and observe the missed output before
// live output, then observe exit on the second attachment.
func TestEchoAndReplay(t *testing.T) {
	h := ptyhost.Start("/bin/cat", nil, os.Environ(), "", 80, 24)
	b := New(h, DefaultBacklogBytes)
	defer b.Close()

	var mu sync.Mutex
	var a1Data []byte
	a1ID := b.Attach(0, Handlers{
		OnData: func(cursor uint64, p []byte) {
			mu.Lock()
			defer mu.Unlock()
			a1Data = append(a1Data, p...)
		},
	})

	_, err := b.Write([]byte("alpha\n"))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return containsStr(string(a1Data), "alpha")
	})

	c1 := b.LatestCursor()
	b.Detach(a1ID)

	_, err = b.Write([]byte("missed\n"))
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool {
		return b.LatestCursor() > c1
	})

	var mu2 sync.Mutex
	var a2Data []byte
	exitCh := make(chan ptyhost.ExitInfo, 1)
	b.Attach(c1, Handlers{
		OnData: func(cursor uint64, p []byte) {
			mu2.Lock()
			defer mu2.Unlock()
			a2Data = append(a2Data, p...)
		},
		OnExit: func(info ptyhost.ExitInfo) {
			exitCh <- info
		},
	})

	waitFor(t, 2*time.Second, func() bool {
		mu2.Lock()
		defer mu2.Unlock()
		return containsStr(string(a2Data), "missed")
	})
	mu2.Lock()
	require.False(t, containsStr(string(a2Data), "alpha"), "replay must not include output before sinceCursor")
	mu2.Unlock()

	_, err = b.Write([]byte("live\n"))
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool {
		mu2.Lock()
		defer mu2.Unlock()
		return containsStr(string(a2Data), "live")
	})

	require.NoError(t, b.Close())

	select {
	case info := <-exitCh:
		_ = info
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

func TestBacklogEviction(t *testing.T) {
	h := ptyhost.Start("/bin/cat", nil, os.Environ(), "", 80, 24)
	b := New(h, 8)
	defer b.Close()

	_, err := b.Write([]byte("12345\n"))
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool { return b.LatestCursor() >= 1 })

	_, err = b.Write([]byte("abcdef\n"))
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool { return b.LatestCursor() >= 2 })

	var mu sync.Mutex
	var got []byte
	b.Attach(0, Handlers{
		OnData: func(cursor uint64, p []byte) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, p...)
		},
	})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.NotContains(t, string(got), "12345")
	require.Contains(t, string(got), "abcdef")
}

func TestLateAttachToExitedSession(t *testing.T) {
	h := ptyhost.Start("/bin/sh", []string{"-c", "exit 7"}, os.Environ(), "", 80, 24)
	b := New(h, DefaultBacklogBytes)

	waitFor(t, 2*time.Second, func() bool {
		select {
		case <-b.done:
			return true
		default:
			return false
		}
	})

	var got int
	exitCh := make(chan ptyhost.ExitInfo, 1)
	b.Attach(0, Handlers{
		OnExit: func(info ptyhost.ExitInfo) {
			got++
			exitCh <- info
		},
	})

	select {
	case info := <-exitCh:
		require.NotNil(t, info.Code)
		require.Equal(t, 7, *info.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	require.Equal(t, 1, got)
}

func containsStr(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
