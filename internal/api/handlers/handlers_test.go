package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bhandras/delight/workerd/internal/session/runtime"
	"github.com/bhandras/delight/workerd/internal/store"
	"github.com/bhandras/delight/workerd/internal/worker"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("session x: %w", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: busy", worker.ErrNotReady), http.StatusConflict},
		{fmt.Errorf("wrap: %w", worker.ErrCapacityExceeded), http.StatusServiceUnavailable},
		{worker.ErrPoolClosed, http.StatusServiceUnavailable},
		{runtime.ErrShuttingDown, http.StatusServiceUnavailable},
		{runtime.ErrEmptyMessage, http.StatusBadRequest},
		{fmt.Errorf("%w: 10 bytes", runtime.ErrMessageTooLarge), http.StatusBadRequest},
		{store.ErrInvalidRole, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1/stream", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	wildcard := originChecker([]string{"*"})
	require.True(t, wildcard(req("http://evil.example")))

	open := originChecker(nil)
	require.True(t, open(req("http://evil.example")))

	check := originChecker([]string{"http://localhost:3000/", " https://app.example "})
	require.True(t, check(req("http://localhost:3000")))
	require.True(t, check(req("https://app.example")))
	require.True(t, check(req("")))
	require.False(t, check(req("http://localhost:3001")))
	require.False(t, check(req("http://evil.example")))
}
