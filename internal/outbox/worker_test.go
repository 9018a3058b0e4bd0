package outbox

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troykelly/openclaw-projects-sub012/internal/ratelimit"
	"github.com/troykelly/openclaw-projects-sub012/internal/testutil"
)

func TestDeliveryBackoff(t *testing.T) {
	base := 30 * time.Second
	cap := time.Hour

	for n := 1; n <= 12; n++ {
		d := DeliveryBackoff(base, cap, n)
		floor := base
		for i := 1; i < n; i++ {
			floor *= 2
			if floor >= cap {
				floor = cap
				break
			}
		}
		if d < floor || d >= floor+base {
			t.Fatalf("attempt %d: got %v, want [%v, %v)", n, d, floor, floor+base)
		}
	}

	// Degenerate inputs fall back to defaults / attempt 1.
	d := DeliveryBackoff(0, 0, 0)
	assert.GreaterOrEqual(t, d, DefaultBackoffBase)
	assert.Less(t, d, 2*DefaultBackoffBase)
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, retryableStatus(http.StatusInternalServerError))
	assert.True(t, retryableStatus(http.StatusBadGateway))
	assert.True(t, retryableStatus(http.StatusRequestTimeout))
	assert.True(t, retryableStatus(http.StatusTooManyRequests))

	assert.False(t, retryableStatus(http.StatusBadRequest))
	assert.False(t, retryableStatus(http.StatusUnauthorized))
	assert.False(t, retryableStatus(http.StatusForbidden))
	assert.False(t, retryableStatus(http.StatusNotFound))
	assert.False(t, retryableStatus(http.StatusGone))
}

func TestResolveURL(t *testing.T) {
	w := NewWorker(nil, nil, ratelimit.NoopLimiter{}, testutil.TestLogger(), Config{
		BaseURL:    "https://gateway.example.com",
		HMACSecret: "s",
	})

	got, err := w.resolveURL("/hooks/agent")
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example.com/hooks/agent", got)

	// Absolute destinations pass through untouched.
	got, err = w.resolveURL("https://other.example.net/hook")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.net/hook", got)

	w2 := NewWorker(nil, nil, ratelimit.NoopLimiter{}, testutil.TestLogger(), Config{
		BaseURL:    "not a url",
		HMACSecret: "s",
	})
	_, err = w2.resolveURL("/hooks/agent")
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, DefaultMaxAttempts, c.MaxAttempts)
	assert.Equal(t, DefaultBackoffBase, c.BackoffBase)
	assert.Equal(t, DefaultBackoffCap, c.BackoffCap)
	assert.Equal(t, DefaultBatchSize, c.BatchSize)
	assert.Equal(t, DefaultPollInterval, c.PollInterval)
	assert.Equal(t, DefaultHTTPTimeout, c.HTTPTimeout)
}
