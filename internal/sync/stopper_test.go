package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStopper(t *testing.T) {
	s := NewStopper()

	result := 0

	go func(s Stopper) {
		ticker := time.NewTicker(10 * time.Millisecond)

		defer func() {
			ticker.Stop()

			// cleanup work the owner must wait for
			time.Sleep(100 * time.Millisecond)

			result = 42

			s.Done()
		}()

		for {
			select {
			case <-s.Check():
				return
			case <-ticker.C:
			}
		}
	}(s)

	require.Equal(t, 0, result)

	start := time.Now()

	s.Stop()

	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, 42, result)
}
