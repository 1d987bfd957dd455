package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/llm"
)

func fastPolicy() *Policy {
	return &Policy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		ShouldRetry:  func(error) bool { return true },
	}
}

func TestDo_SuccessFirstTry(t *testing.T) {
	r := New(fastPolicy(), nil)

	calls := 0
	v, err := Do(context.Background(), r, func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestDo_RetryThenSuccess(t *testing.T) {
	var retried []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }
	r := New(p, nil)

	calls := 0
	v, err := Do(context.Background(), r, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("temporary")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_Exhausted(t *testing.T) {
	r := New(fastPolicy(), nil)
	boom := errors.New("boom")

	calls := 0
	_, err := Do(context.Background(), r, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestDo_DefaultPredicateUsesLLMRetryable(t *testing.T) {
	p := fastPolicy()
	p.ShouldRetry = nil
	r := New(p, nil)

	calls := 0
	_, err := Do(context.Background(), r, func(context.Context) (int, error) {
		calls++
		return 0, &llm.Error{Code: llm.ErrUnauthorized, Message: "bad key"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable error returns immediately")

	calls = 0
	_, err = Do(context.Background(), r, func(context.Context) (int, error) {
		calls++
		return 0, &llm.Error{Code: llm.ErrRateLimited, Message: "slow down", Retryable: true}
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	p := fastPolicy()
	p.InitialDelay = time.Second
	p.MaxDelay = time.Second
	r := New(p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := Do(ctx, r, func(context.Context) (int, error) {
		cancel()
		return 0, errors.New("x")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelay(t *testing.T) {
	r := New(&Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}, nil)

	assert.Equal(t, time.Duration(0), r.Delay(0))
	assert.Equal(t, 100*time.Millisecond, r.Delay(1))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2))
	assert.Equal(t, 400*time.Millisecond, r.Delay(3))
	assert.Equal(t, time.Second, r.Delay(10), "capped at max delay")
}

func TestDelay_JitterBounds(t *testing.T) {
	r := New(&Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true}, nil)

	for i := 0; i < 100; i++ {
		d := r.Delay(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}

func TestNew_NormalizesPolicy(t *testing.T) {
	r := New(&Policy{MaxRetries: -1, Multiplier: 0.5}, nil)
	p := r.Policy()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Positive(t, p.InitialDelay)
	assert.NotNil(t, p.ShouldRetry)
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.DefaultLLMConfig()
	cfg.MaxRetries = 5
	cfg.RetryInitialDelay = 250 * time.Millisecond

	p := PolicyFromConfig(cfg)
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, p.InitialDelay)
	assert.Equal(t, cfg.RetryMaxDelay, p.MaxDelay)
}
