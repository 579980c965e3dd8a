package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenSouk-Chain/internal/auth"
	"OpenSouk-Chain/internal/certify"
	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/market"
	"OpenSouk-Chain/internal/task"
)

// errorBody 是统一的错误响应结构。
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatusFor(err), errorBody{
		Error: messageOf(err),
		Code:  string(xerrors.CodeOf(err)),
	})
}

func messageOf(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

// httpStatusFor 将业务错误编码映射为 HTTP 状态码。
// 支付金额不符是唯一的 422：请求格式合法，只是钱不对。
func httpStatusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case market.CodeProductNotFound, market.CodeOrderNotFound,
		certify.CodeRecordNotFound, task.CodeTaskNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case market.CodePaymentIncorrect:
		return http.StatusUnprocessableEntity
	case market.CodeValidation, market.CodeQuantityInvalid,
		certify.CodeValidation, task.CodeTaskValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case market.CodeProductExists, market.CodeStockInsufficient, market.CodeVersionConflict,
		certify.CodeAlreadyOpen, certify.CodeEndorsementDuplicate, certify.CodeStateInvalid,
		certify.CodeVersionConflict, certify.CodeNotCertified,
		task.CodeTaskConflict, task.CodeTaskCompleted, task.CodeTaskExhausted,
		xerrors.CodeConflict, xerrors.CodeAlreadyCompleted:
		return http.StatusConflict
	case task.CodeTaskPublish, xerrors.CodeQueueFailure, xerrors.CodeBusFailure,
		xerrors.CodeInitializationFailure, xerrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "请求体解析失败",
			Code:  string(xerrors.CodeInvalidArgument),
		})
		return false
	}
	return true
}

// decodeOptionalBody 容忍空请求体，用于 reason 这类可选参数。
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || stdErrors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error: "请求体解析失败",
		Code:  string(xerrors.CodeInvalidArgument),
	})
	return false
}

func (s *Server) unavailable(w http.ResponseWriter, component string) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{
		Error: component + "未启用",
		Code:  string(xerrors.CodeUnavailable),
	})
}

func queryInt(r *http.Request, key string) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	components := map[string]bool{
		"market":  s.market != nil,
		"certify": s.certify != nil,
		"tasks":   s.tasks != nil,
		"chain":   s.chain != nil,
		"auth":    s.auth != nil && s.auth.Mode() != auth.ModeDisabled,
	}
	agents := 0
	if s.registry != nil {
		agents = len(s.registry.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"time":       time.Now().Unix(),
		"components": components,
		"agents":     agents,
	})
}

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.unavailable(w, "认证服务")
		return
	}
	var req auth.TokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case stdErrors.Is(err, auth.ErrDisabled):
			status = http.StatusServiceUnavailable
		case stdErrors.Is(err, auth.ErrUnsupportedGrant):
			status = http.StatusBadRequest
		case stdErrors.Is(err, auth.ErrSubjectRevoked):
			status = http.StatusForbidden
		}
		writeJSON(w, status, errorBody{Error: err.Error(), Code: string(xerrors.CodeOf(err))})
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts []market.ListOption
	if v := q.Get("category"); v != "" {
		opts = append(opts, market.WithCategory(v))
	}
	if v := q.Get("seller"); v != "" {
		opts = append(opts, market.WithSeller(v))
	}
	if v := q.Get("certified"); v != "" {
		if certified, err := strconv.ParseBool(v); err == nil {
			opts = append(opts, market.WithCertified(certified))
		}
	}
	if v := q.Get("q"); v != "" {
		opts = append(opts, market.WithQuery(v))
	}
	if v := queryInt(r, "limit"); v > 0 {
		opts = append(opts, market.WithLimit(v))
	}
	if v := queryInt(r, "offset"); v > 0 {
		opts = append(opts, market.WithOffset(v))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, market.WithSortOrder(market.SortByUpdatedAsc))
	}

	products, err := s.market.ListProducts(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) handleAddProduct(w http.ResponseWriter, r *http.Request) {
	var input market.AddProductInput
	if !decodeBody(w, r, &input) {
		return
	}
	product, err := s.market.AddProduct(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (s *Server) handleProductCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.market.ProductCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleProductDetail(w http.ResponseWriter, r *http.Request) {
	product, err := s.market.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) handleProductCertification(w http.ResponseWriter, r *http.Request) {
	if s.certify == nil {
		s.unavailable(w, "认证服务")
		return
	}
	verification, err := s.certify.Verify(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var input market.PurchaseInput
	if !decodeBody(w, r, &input) {
		return
	}
	order, err := s.market.Purchase(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := s.market.ListOrders(r.Context(), market.OrderListOptions{
		Buyer:     q.Get("buyer"),
		ProductID: q.Get("product_id"),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	order, err := s.market.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleListCertifications(w http.ResponseWriter, r *http.Request) {
	if s.certify == nil {
		s.unavailable(w, "认证服务")
		return
	}
	q := r.URL.Query()
	records, err := s.certify.List(r.Context(), certify.ListOptions{
		Status:    certify.Status(q.Get("status")),
		ProductID: q.Get("product_id"),
		Authority: q.Get("authority"),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleOpenCertification(w http.ResponseWriter, r *http.Request) {
	if s.certify == nil {
		s.unavailable(w, "认证服务")
		return
	}
	var input certify.OpenInput
	if !decodeBody(w, r, &input) {
		return
	}
	record, err := s.certify.Open(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleCertificationDetail(w http.ResponseWriter, r *http.Request) {
	if s.certify == nil {
		s.unavailable(w, "认证服务")
		return
	}
	record, err := s.certify.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEndorse(w http.ResponseWriter, r *http.Request) {
	if s.certify == nil {
		s.unavailable(w, "认证服务")
		return
	}
	var input certify.EndorseInput
	if !decodeBody(w, r, &input) {
		return
	}
	input.RecordID = r.PathValue("id")
	record, err := s.certify.Endorse(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	if s.certify == nil {
		s.unavailable(w, "认证服务")
		return
	}
	var req reasonBody
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	record, err := s.certify.Suspend(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleReinstate(w http.ResponseWriter, r *http.Request) {
	if s.certify == nil {
		s.unavailable(w, "认证服务")
		return
	}
	record, err := s.certify.Reinstate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if s.certify == nil {
		s.unavailable(w, "认证服务")
		return
	}
	var req reasonBody
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	record, err := s.certify.Revoke(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.unavailable(w, "任务服务")
		return
	}
	var input task.SubmitInput
	if !decodeBody(w, r, &input) {
		return
	}
	created, err := s.tasks.Submit(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func taskListOptions(r *http.Request) []task.ListOption {
	q := r.URL.Query()
	var opts []task.ListOption
	if v := q.Get("status"); v != "" {
		var statuses []task.Status
		for _, raw := range strings.Split(v, ",") {
			if raw = strings.TrimSpace(raw); raw != "" {
				statuses = append(statuses, task.Status(raw))
			}
		}
		if len(statuses) > 0 {
			opts = append(opts, task.WithStatuses(statuses...))
		}
	}
	if v := q.Get("kind"); v != "" {
		var kinds []string
		for _, raw := range strings.Split(v, ",") {
			if raw = strings.TrimSpace(raw); raw != "" {
				kinds = append(kinds, raw)
			}
		}
		if len(kinds) > 0 {
			opts = append(opts, task.WithKinds(kinds...))
		}
	}
	if v := q.Get("assigned_to"); v != "" {
		opts = append(opts, task.WithAssignedTo(v))
	}
	if v := q.Get("q"); v != "" {
		opts = append(opts, task.WithQuery(v))
	}
	if v := q.Get("has_result"); v != "" {
		if hasResult, err := strconv.ParseBool(v); err == nil {
			opts = append(opts, task.WithResultPresence(hasResult))
		}
	}
	if v := queryInt(r, "limit"); v > 0 {
		opts = append(opts, task.WithLimit(v))
	}
	if v := queryInt(r, "offset"); v > 0 {
		opts = append(opts, task.WithOffset(v))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.unavailable(w, "任务服务")
		return
	}
	tasks, err := s.tasks.List(r.Context(), taskListOptions(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.unavailable(w, "任务服务")
		return
	}
	stats, err := s.tasks.Stats(r.Context(), taskListOptions(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.unavailable(w, "任务服务")
		return
	}
	detail, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.unavailable(w, "智能体注册表")
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}
