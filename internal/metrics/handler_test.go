package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshot struct {
	c   map[string]int64
	s   map[string]Summary
	err error
}

func (f *fakeSnapshot) Snapshot(ctx context.Context) (map[string]int64, map[string]Summary, error) {
	return f.c, f.s, f.err
}

func TestHandlerAuth(t *testing.T) {
	f := &fakeSnapshot{c: map[string]int64{"a": 1}, s: map[string]Summary{"x": {Count: 2, Sum: 5, Min: 2, Max: 3}}}
	h := Handler(f, "tok")

	for _, hdr := range []string{"", "Bearer", "Bearer wrong", "Basic tok", "bearer tok"} {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		if hdr != "" {
			req.Header.Set("Authorization", hdr)
		}
		rw := httptest.NewRecorder()
		h(rw, req)
		assert.Equal(t, http.StatusUnauthorized, rw.Code, "header %q", hdr)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rw := httptest.NewRecorder()
	h(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "application/json", rw.Header().Get("Content-Type"))

	var decoded struct {
		Counters  map[string]int64   `json:"counters"`
		Summaries map[string]Summary `json:"summaries"`
	}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &decoded))
	assert.Equal(t, int64(1), decoded.Counters["a"])
	assert.Equal(t, Summary{Count: 2, Sum: 5, Min: 2, Max: 3}, decoded.Summaries["x"])
}

func TestHandlerNoToken(t *testing.T) {
	h := Handler(&fakeSnapshot{c: map[string]int64{"c": 10}}, "")
	rw := httptest.NewRecorder()
	h(rw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rw.Code)
}

func TestHandlerSnapshotError(t *testing.T) {
	h := Handler(&fakeSnapshot{err: errors.New("db closed")}, "")
	rw := httptest.NewRecorder()
	h(rw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusInternalServerError, rw.Code)
}
