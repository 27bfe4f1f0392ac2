package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStrategy is a scriptable Strategy over string input and output.
type stubStrategy struct {
	name    string
	applies bool
	value   string
	err     error
	delay   time.Duration
	calls   int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Applies(string) bool { return s.applies }

func (s *stubStrategy) Attempt(ctx context.Context, _ string) (string, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.value, s.err
}

func TestResolveFirstSuccessWins(t *testing.T) {
	t.Parallel()

	// Direct-link check does not apply, page scan runs but finds
	// nothing, API lookup wins. The miss is recorded, the skip is not.
	direct := &stubStrategy{name: "direct", applies: false}
	scan := &stubStrategy{name: "scan", applies: true, err: ErrNoResult}
	api := &stubStrategy{name: "api", applies: true, value: "https://x/y.mp4"}

	chain, err := New[string, string]([]Strategy[string, string]{direct, scan, api})
	require.NoError(t, err)

	outcome, err := chain.Resolve(context.Background(), "https://x/page")
	require.NoError(t, err)

	assert.Equal(t, "https://x/y.mp4", outcome.Value)
	assert.Equal(t, "api", outcome.Strategy)
	require.Len(t, outcome.Attempts, 1)
	assert.Equal(t, "scan", outcome.Attempts[0].Strategy)
	assert.ErrorIs(t, outcome.Attempts[0].Err, ErrNoResult)

	assert.Equal(t, 0, direct.calls, "inapplicable strategy must not be attempted")
	assert.Equal(t, 1, scan.calls)
	assert.Equal(t, 1, api.calls)
}

func TestResolveStopsAfterWinner(t *testing.T) {
	t.Parallel()

	first := &stubStrategy{name: "first", applies: true, value: "a"}
	second := &stubStrategy{name: "second", applies: true, value: "b"}

	chain, err := New[string, string]([]Strategy[string, string]{first, second})
	require.NoError(t, err)

	outcome, err := chain.Resolve(context.Background(), "in")
	require.NoError(t, err)
	assert.Equal(t, "first", outcome.Strategy)
	assert.Empty(t, outcome.Attempts)
	assert.Equal(t, 0, second.calls, "strategies after the winner must not run")
}

func TestResolveExhausted(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	testCases := []struct {
		name         string
		strategies   []*stubStrategy
		wantAttempts int
		wantCalls    []int
	}{
		{
			name:         "empty chain",
			strategies:   nil,
			wantAttempts: 0,
		},
		{
			name: "nothing applies",
			strategies: []*stubStrategy{
				{name: "a"},
				{name: "b"},
			},
			wantAttempts: 0,
			wantCalls:    []int{0, 0},
		},
		{
			name: "all decline",
			strategies: []*stubStrategy{
				{name: "a", applies: true, err: ErrNoResult},
				{name: "b", applies: true, err: ErrNoResult},
			},
			wantAttempts: 2,
			wantCalls:    []int{1, 1},
		},
		{
			name: "failures do not stop later strategies",
			strategies: []*stubStrategy{
				{name: "a", applies: true, err: boom},
				{name: "b"},
				{name: "c", applies: true, err: ErrNoResult},
			},
			wantAttempts: 2,
			wantCalls:    []int{1, 0, 1},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			strategies := make([]Strategy[string, string], len(tc.strategies))
			for i, s := range tc.strategies {
				strategies[i] = s
			}
			chain, err := New(strategies)
			require.NoError(t, err)

			_, err = chain.Resolve(context.Background(), "in")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrExhausted)

			var exhausted *ExhaustedError
			require.ErrorAs(t, err, &exhausted)
			assert.Len(t, exhausted.Attempts, tc.wantAttempts)

			for i, s := range tc.strategies {
				assert.Equal(t, tc.wantCalls[i], s.calls, "calls to %s", s.name)
			}
		})
	}
}

func TestResolveRecordsCausesInOrder(t *testing.T) {
	t.Parallel()

	errA := errors.New("connection refused")
	a := &stubStrategy{name: "a", applies: true, err: errA}
	b := &stubStrategy{name: "b", applies: true, err: ErrNoResult}

	chain, err := New[string, string]([]Strategy[string, string]{a, b})
	require.NoError(t, err)

	_, err = chain.Resolve(context.Background(), "in")
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "a", exhausted.Attempts[0].Strategy)
	assert.ErrorIs(t, exhausted.Attempts[0].Err, errA)
	assert.Equal(t, "b", exhausted.Attempts[1].Strategy)
	assert.ErrorIs(t, exhausted.Attempts[1].Err, ErrNoResult)

	assert.Contains(t, err.Error(), "exhausted after 2 attempts")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestResolveIsIdempotentForPureStrategies(t *testing.T) {
	t.Parallel()

	chain, err := New[string, string]([]Strategy[string, string]{
		Func("lower", nil, func(_ context.Context, in string) (string, error) {
			if in == "" {
				return "", ErrNoResult
			}
			return in + "/resolved", nil
		}),
	})
	require.NoError(t, err)

	first, err := chain.Resolve(context.Background(), "https://x")
	require.NoError(t, err)
	second, err := chain.Resolve(context.Background(), "https://x")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNewRejectsNilStrategy(t *testing.T) {
	t.Parallel()

	_, err := New[string, string]([]Strategy[string, string]{
		&stubStrategy{name: "ok", applies: true, value: "v"},
		nil,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil strategy at index 1")
}

func TestResolveCancellation(t *testing.T) {
	t.Parallel()

	t.Run("already cancelled means zero attempts", func(t *testing.T) {
		t.Parallel()

		s := &stubStrategy{name: "a", applies: true, value: "v"}
		chain, err := New[string, string]([]Strategy[string, string]{s})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = chain.Resolve(ctx, "in")
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, s.calls)
	})

	t.Run("cancellation during an attempt is terminal", func(t *testing.T) {
		t.Parallel()

		slow := &stubStrategy{name: "slow", applies: true, delay: time.Minute}
		next := &stubStrategy{name: "next", applies: true, value: "v"}
		chain, err := New[string, string]([]Strategy[string, string]{slow, next})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err = chain.Resolve(ctx, "in")
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, next.calls, "no further strategies after cancellation")
	})
}

func TestResolveAttemptTimeout(t *testing.T) {
	t.Parallel()

	slow := &stubStrategy{name: "slow", applies: true, delay: time.Minute}
	quick := &stubStrategy{name: "quick", applies: true, value: "v"}

	chain, err := New[string, string](
		[]Strategy[string, string]{slow, quick},
		WithAttemptTimeout(20*time.Millisecond),
	)
	require.NoError(t, err)

	outcome, err := chain.Resolve(context.Background(), "in")
	require.NoError(t, err, "a timed-out attempt must not end the resolution")
	assert.Equal(t, "quick", outcome.Strategy)
	require.Len(t, outcome.Attempts, 1)
	assert.ErrorIs(t, outcome.Attempts[0].Err, context.DeadlineExceeded)
}

func TestResolveFailFast(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	testCases := map[string]struct {
		first     *stubStrategy
		wantAbort bool
	}{
		"abnormal error aborts": {
			first:     &stubStrategy{name: "bad", applies: true, err: boom},
			wantAbort: true,
		},
		"no result is not abnormal": {
			first: &stubStrategy{name: "miss", applies: true, err: ErrNoResult},
		},
		"attempt timeout is not abnormal": {
			first: &stubStrategy{name: "slow", applies: true, delay: time.Minute},
		},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			fallbackTo := &stubStrategy{name: "fallback", applies: true, value: "v"}
			chain, err := New[string, string](
				[]Strategy[string, string]{tc.first, fallbackTo},
				WithFailFast(),
				WithAttemptTimeout(20*time.Millisecond),
			)
			require.NoError(t, err)

			outcome, err := chain.Resolve(context.Background(), "in")
			if tc.wantAbort {
				require.Error(t, err)
				assert.ErrorIs(t, err, boom)
				assert.NotErrorIs(t, err, ErrExhausted)
				assert.Equal(t, 0, fallbackTo.calls)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "fallback", outcome.Strategy)
		})
	}
}

func TestResolveEvents(t *testing.T) {
	t.Parallel()

	var events []Event
	chain, err := New[string, string](
		[]Strategy[string, string]{
			&stubStrategy{name: "skipme"},
			&stubStrategy{name: "failme", applies: true, err: ErrNoResult},
			&stubStrategy{name: "winner", applies: true, value: "v"},
		},
		WithObserver(func(ev Event) {
			events = append(events, ev)
		}),
	)
	require.NoError(t, err)

	_, err = chain.Resolve(context.Background(), "in")
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, EventSkipped, events[0].Kind)
	assert.Equal(t, "skipme", events[0].Strategy)
	assert.Equal(t, EventFailed, events[1].Kind)
	assert.Equal(t, "failme", events[1].Strategy)
	assert.ErrorIs(t, events[1].Err, ErrNoResult)
	assert.Equal(t, EventSucceeded, events[2].Kind)
	assert.Equal(t, "winner", events[2].Strategy)
}

func TestNames(t *testing.T) {
	t.Parallel()

	chain, err := New[string, string]([]Strategy[string, string]{
		&stubStrategy{name: "a"},
		&stubStrategy{name: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, chain.Names())
}

func TestFunc(t *testing.T) {
	t.Parallel()

	s := Func("always", nil, func(_ context.Context, in string) (string, error) {
		return in, nil
	})
	assert.Equal(t, "always", s.Name())
	assert.True(t, s.Applies("anything"), "nil applies means always applicable")

	gated := Func("gated", func(in string) bool { return in == "yes" },
		func(_ context.Context, in string) (string, error) {
			return in, nil
		})
	assert.True(t, gated.Applies("yes"))
	assert.False(t, gated.Applies("no"))
}

func TestExhaustedErrorMessage(t *testing.T) {
	t.Parallel()

	err := &ExhaustedError{}
	assert.Contains(t, err.Error(), "no applicable strategies")
	assert.ErrorIs(t, err, ErrExhausted)
}
