package admin

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/metrics"
	"github.com/google/uuid"
)

const auditBodyPreview = 1024

// OperatorHeader names the human behind a mutating admin call. The bearer
// token is shared, so this is the only attribution the audit log gets.
const OperatorHeader = "X-Operator"

// AuditMiddleware records every mutating admin call: who, which invoice,
// what action and how it ended. Reads pass through untouched.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	auditLogger := logger.With("component", "admin_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		invoiceID, action := classifyAdminPath(r.URL.Path)
		body := previewBody(r)

		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		metrics.AdminMutationsTotal.WithLabelValues(action, statusClass(sw.statusCode)).Inc()

		level := slog.LevelInfo
		if sw.statusCode >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		auditLogger.Log(r.Context(), level, "admin API audit",
			"request_id", uuid.NewString(),
			"operator", r.Header.Get(OperatorHeader),
			"action", action,
			"invoice_id", invoiceID,
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"body_summary", body,
			"response_status", sw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// previewBody returns at most auditBodyPreview bytes of the request body
// and leaves r.Body readable in full for the next handler.
func previewBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, auditBodyPreview+1))
	if err != nil {
		return ""
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}

	if len(head) > auditBodyPreview {
		return string(head[:auditBodyPreview]) + "...(truncated)"
	}
	return string(head)
}

// classifyAdminPath maps an admin URL to the invoice it touches and a
// bounded action label.
func classifyAdminPath(path string) (invoiceID, action string) {
	rest, ok := strings.CutPrefix(path, "/admin/v1/")
	if !ok {
		return "", "other"
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "invoices":
		return "", "invoice_create"
	case len(parts) == 3 && parts[0] == "invoices":
		switch parts[2] {
		case "send", "cancel", "resync":
			return parts[1], "invoice_" + parts[2]
		}
		return parts[1], "other"
	case len(parts) == 2 && parts[0] == "registry" && parts[1] == "reload":
		return "", "registry_reload"
	}
	return "", "other"
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.statusCode = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
