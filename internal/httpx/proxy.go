package httpx

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/haukened/tokencache/internal/domain"
	"github.com/haukened/tokencache/internal/metrics"
)

// handleProxy forwards GET /api/proxy?path=...&sim=... to the resource API
// with the session user's cached access token. Status, content type and body
// are passed through; streamed bodies are flushed chunk by chunk.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := h.Sessions.UserID(r)
	if !ok {
		h.mapServiceError(ctx, w, domain.ErrNotAuthenticated)
		return
	}
	q := r.URL.Query()
	req := domain.APIRequest{Path: q.Get("path")}
	if s := q.Get("sim"); s != "" {
		sim, err := strconv.ParseBool(s)
		if err != nil {
			h.writeError(ctx, w, http.StatusBadRequest, "sim must be a boolean")
			return
		}
		req.Sim = sim
	}

	h.inc(metrics.CounterAPICalls)
	resp, err := h.Service.CallAPI(ctx, userID, req)
	if err != nil {
		h.inc(metrics.CounterAPIFailures)
		h.mapServiceError(ctx, w, err)
		return
	}
	defer resp.Body.Close()

	cid, _ := GetCorrelationID(ctx)
	slog.Debug("proxy", "domain", "api", "action", "forward", "cid", cid, "status", resp.Status, "sim", req.Sim)
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.Status)
	if err := copyFlushing(w, resp.Body); err != nil && ctx.Err() == nil {
		slog.Warn("proxy", "domain", "api", "action", "copy", "cid", cid, "err", err)
	}
}

// copyFlushing copies src to w, flushing after every read so stream
// endpoints reach the browser as they arrive.
func copyFlushing(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
