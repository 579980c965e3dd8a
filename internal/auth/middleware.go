package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"OpenSouk-Chain/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法声明所需权限，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 是审计日志中的事件名称，缺省用请求路径。
	AuditEvent string
}

// Middleware 返回处理认证与授权的 HTTP 中间件。
// disabled 模式下直接放行，不写审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &requestGuard{svc: s, cfg: cfg, next: next}
	}
}

// requestGuard 依次完成认证、授权与审计三步。
type requestGuard struct {
	svc  *Service
	cfg  MiddlewareConfig
	next http.Handler
}

func (g *requestGuard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.svc == nil || g.svc.mode == ModeDisabled {
		g.next.ServeHTTP(w, r)
		return
	}

	subject, err := g.svc.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		g.deny(w, r, "access_denied", statusFor(err), err, "")
		return
	}
	if err := g.authorize(subject, r.Method); err != nil {
		g.deny(w, r, "permission_denied", http.StatusForbidden, err, subject.Username)
		return
	}
	g.serveAudited(w, r, subject)
}

func (g *requestGuard) authorize(subject *Subject, method string) error {
	perms := g.cfg.RequiredPermissions[method]
	if len(perms) == 0 {
		perms = g.cfg.RequiredPermissions["*"]
	}
	if len(perms) == 0 {
		return nil
	}
	return subject.Authorize(perms...)
}

func (g *requestGuard) deny(w http.ResponseWriter, r *http.Request, event string, status int, cause error, username string) {
	http.Error(w, http.StatusText(status), status)
	args := []any{
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.Int("status", status),
		slog.String("error", cause.Error()),
	}
	if username != "" {
		args = append(args, slog.String("user", username))
	}
	g.auditLog().Warn(event, args...)
}

func (g *requestGuard) serveAudited(w http.ResponseWriter, r *http.Request, subject *Subject) {
	start := time.Now()
	aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
	g.next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))

	event := g.cfg.AuditEvent
	if event == "" {
		event = r.URL.Path
	}
	g.auditLog().Info("api_request",
		slog.String("event", event),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", aw.status),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.String("user", subject.Username),
	)
}

func (g *requestGuard) auditLog() *slog.Logger {
	if g.svc.audit != nil {
		return g.svc.audit
	}
	return logger.Audit()
}

func statusFor(err error) int {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSubjectRevoked) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// auditWriter 包装 ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
