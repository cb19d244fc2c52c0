package ingester

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSizerHoldsAtConfiguredMax(t *testing.T) {
	s := newSizer(100, 50*time.Millisecond, 30*time.Second)
	now := time.Now()

	for n := 0; n < 50; n++ {
		s.observeAt(now.Add(time.Duration(n)*100*time.Millisecond), 5*time.Millisecond)
	}
	require.Equal(t, 100, s.Size())
}

func TestSizerHalvesUnderPressure(t *testing.T) {
	s := newSizer(100, 50*time.Millisecond, 30*time.Second)
	now := time.Now()

	s.observeAt(now, 200*time.Millisecond)
	require.Equal(t, 50, s.Size())

	// A second slow flush within the same second must not halve again.
	s.observeAt(now.Add(500*time.Millisecond), 200*time.Millisecond)
	require.Equal(t, 50, s.Size())

	// Sustained pressure keeps halving down to the floor.
	at := now
	for n := 0; n < 20; n++ {
		at = at.Add(1100 * time.Millisecond)
		s.observeAt(at, 200*time.Millisecond)
	}
	require.Equal(t, 1, s.Size())
}

func TestSizerRecoversAfterQuietWindow(t *testing.T) {
	window := 30 * time.Second
	s := newSizer(16, 50*time.Millisecond, window)
	now := time.Now()

	s.observeAt(now, 200*time.Millisecond)
	s.observeAt(now.Add(1100*time.Millisecond), 200*time.Millisecond)
	require.Equal(t, 4, s.Size())

	// One full quiet window after the last change, the size doubles; a
	// second window doubles it again up to the configured max.
	at := now.Add(1100*time.Millisecond + window + time.Second)
	s.observeAt(at, time.Millisecond)
	require.Equal(t, 8, s.Size())

	at = at.Add(window + time.Second)
	s.observeAt(at, time.Millisecond)
	require.Equal(t, 16, s.Size())
}

func TestSizerP95IgnoresExpiredSamples(t *testing.T) {
	window := time.Second
	s := newSizer(100, 50*time.Millisecond, window)
	now := time.Now()

	s.observeAt(now, 200*time.Millisecond)
	require.Equal(t, 50, s.Size())

	// The slow sample ages out; the fresh fast ones dominate the p95 and
	// the quiet window has elapsed since the last change.
	at := now.Add(2 * time.Second)
	s.observeAt(at, time.Millisecond)
	require.Equal(t, 100, s.Size())
}
