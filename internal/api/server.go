package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"OpenSouk-Chain/internal/agent"
	"OpenSouk-Chain/internal/auth"
	"OpenSouk-Chain/internal/certify"
	"OpenSouk-Chain/internal/market"
	"OpenSouk-Chain/internal/observability/metrics"
	"OpenSouk-Chain/internal/task"
	"OpenSouk-Chain/internal/web3"
	"OpenSouk-Chain/pkg/logger"
)

// Config 描述 REST 服务依赖的各个组件。Market 必填，
// 其余组件缺省时对应的接口返回 503。
type Config struct {
	Addr     string
	Market   *market.Service
	Certify  *certify.Service
	Tasks    *task.Service
	Registry *agent.Registry
	Auth     *auth.Service
	Chain    web3.Client
}

// Server 暴露商城、认证与任务的 REST 接口。
type Server struct {
	addr     string
	market   *market.Service
	certify  *certify.Service
	tasks    *task.Service
	registry *agent.Registry
	auth     *auth.Service
	chain    web3.Client
	log      *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("监听地址不能为空")
	}
	if cfg.Market == nil {
		return nil, errors.New("市场服务不能为空")
	}
	return &Server{
		addr:     cfg.Addr,
		market:   cfg.Market,
		certify:  cfg.Certify,
		tasks:    cfg.Tasks,
		registry: cfg.Registry,
		auth:     cfg.Auth,
		chain:    cfg.Chain,
		log:      logger.Named("api"),
	}, nil
}

// Handler 返回完整的路由，便于测试与上层复用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("POST /api/v1/auth/token", s.instrument("auth_token", http.HandlerFunc(s.handleAuthToken)))

	mux.Handle("GET /api/v1/products", s.guard("products_list", s.handleListProducts, auth.PermRead))
	mux.Handle("POST /api/v1/products", s.guard("products_create", s.handleAddProduct, auth.PermProductsWrite))
	mux.Handle("GET /api/v1/products/count", s.guard("products_count", s.handleProductCount, auth.PermRead))
	mux.Handle("GET /api/v1/products/{id}", s.guard("products_detail", s.handleProductDetail, auth.PermRead))
	mux.Handle("GET /api/v1/products/{id}/certification", s.guard("products_certification", s.handleProductCertification, auth.PermRead))

	mux.Handle("GET /api/v1/orders", s.guard("orders_list", s.handleListOrders, auth.PermRead))
	mux.Handle("POST /api/v1/orders", s.guard("orders_create", s.handlePurchase, auth.PermOrdersWrite))
	mux.Handle("GET /api/v1/orders/{id}", s.guard("orders_detail", s.handleOrderDetail, auth.PermRead))

	mux.Handle("GET /api/v1/certifications", s.guard("certifications_list", s.handleListCertifications, auth.PermRead))
	mux.Handle("POST /api/v1/certifications", s.guard("certifications_open", s.handleOpenCertification, auth.PermCertifyAdmin))
	mux.Handle("GET /api/v1/certifications/{id}", s.guard("certifications_detail", s.handleCertificationDetail, auth.PermRead))
	mux.Handle("POST /api/v1/certifications/{id}/endorsements", s.guard("certifications_endorse", s.handleEndorse, auth.PermCertifyEndorse))
	mux.Handle("POST /api/v1/certifications/{id}/suspend", s.guard("certifications_suspend", s.handleSuspend, auth.PermCertifyAdmin))
	mux.Handle("POST /api/v1/certifications/{id}/reinstate", s.guard("certifications_reinstate", s.handleReinstate, auth.PermCertifyAdmin))
	mux.Handle("POST /api/v1/certifications/{id}/revoke", s.guard("certifications_revoke", s.handleRevoke, auth.PermCertifyAdmin))

	mux.Handle("GET /api/v1/tasks", s.guard("tasks_list", s.handleListTasks, auth.PermRead))
	mux.Handle("POST /api/v1/tasks", s.guard("tasks_create", s.handleSubmitTask, auth.PermTasksWrite))
	mux.Handle("GET /api/v1/tasks/stats", s.guard("tasks_stats", s.handleTaskStats, auth.PermRead))
	mux.Handle("GET /api/v1/tasks/{id}", s.guard("tasks_detail", s.handleTaskDetail, auth.PermRead))

	mux.Handle("GET /api/v1/agents", s.guard("agents_list", s.handleListAgents, auth.PermRead))

	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务开始监听", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// guard 先套认证中间件再套指标采集。读接口要求 read 权限，
// 写接口要求各自的细粒度权限。
func (s *Server) guard(name string, h http.HandlerFunc, perms ...string) http.Handler {
	var handler http.Handler = h
	if s.auth != nil {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": perms},
			AuditEvent:          name,
		})(handler)
	}
	return s.instrument(name, handler)
}

// instrument 按处理器名采集请求量与时延。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
