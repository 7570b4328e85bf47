package httpx

import (
	"bytes"
	"html/template"
	"io"
	"log/slog"
	"net/http"
)

// TemplateRenderer implements Renderer using html/template.
type TemplateRenderer struct{ T *template.Template }

func (tr TemplateRenderer) Execute(w http.ResponseWriter, data any) error {
	return tr.T.Execute(w, data)
}

// errorPageData supplies fields for the generic error template.
// Title and Message should be short and not leak internal state.
type errorPageData struct {
	Status  int
	Title   string
	Message string
}

// captureWriter buffers template output and any status the template might set.
type captureWriter struct {
	buf    bytes.Buffer
	header http.Header
	status int
}

func newCaptureWriter() *captureWriter               { return &captureWriter{header: make(http.Header)} }
func (c *captureWriter) Header() http.Header         { return c.header }
func (c *captureWriter) Write(b []byte) (int, error) { return c.buf.Write(b) }
func (c *captureWriter) WriteHeader(status int)      { c.status = status }

// renderTemplate renders an HTML template with no-store caching. Output is
// buffered so a failing Execute yields a clean 500 instead of a torn page.
func renderTemplate(w http.ResponseWriter, tmpl Renderer, data any) {
	w.Header().Set("Cache-Control", "no-store")
	cw := newCaptureWriter()
	if err := tmpl.Execute(cw, data); err != nil {
		slog.Error("render", "domain", "ui", "action", "error")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("template error"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	status := cw.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if cw.buf.Len() > 0 {
		_, _ = io.Copy(w, bytes.NewReader(cw.buf.Bytes()))
	}
}

// renderErrorPage renders an HTML error page if an error template is configured;
// otherwise it falls back to plain text. Correlation IDs stay out of the body.
func (h *Handler) renderErrorPage(w http.ResponseWriter, _ *http.Request, status int, title, message string) {
	if h.ErrorTmpl == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, http.StatusText(status))
		return
	}
	cw := newCaptureWriter()
	err := h.ErrorTmpl.Execute(cw, errorPageData{Status: status, Title: title, Message: message})
	if err != nil {
		slog.Error("render", "domain", "ui", "action", "error")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("template error"))
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if cw.buf.Len() > 0 {
		_, _ = io.Copy(w, bytes.NewReader(cw.buf.Bytes()))
	}
}
