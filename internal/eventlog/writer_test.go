package eventlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoyers/harness/internal/proto"
	"github.com/stretchr/testify/require"
)

func TestWriterAppendIsDurable(t *testing.T) {
	s := openTestStore(t)

	var mu sync.Mutex
	var published []string
	w := NewWriter(s, func(e proto.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, e.EventID)
	})
	defer w.Close()

	env := envelope("t", "u", "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Append(ctx, env))

	got, err := s.ListEvents(context.Background(), Query{TenantID: "t", UserID: "u", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{env.EventID}, published)
}

func TestWriterFlushesOnCap(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, nil)
	w.maxBatch = 4
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			require.NoError(t, w.Append(ctx, envelope("t", "u", "")))
		}()
	}
	wg.Wait()

	got, err := s.ListEvents(context.Background(), Query{TenantID: "t", UserID: "u", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 4)
}

func TestWriterCloseWithEmptyQueue(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, nil)
	require.NoError(t, w.Close())
}
