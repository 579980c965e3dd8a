package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"OpenSouk-Chain/internal/agent"
	"OpenSouk-Chain/internal/auth"
	"OpenSouk-Chain/internal/certify"
	"OpenSouk-Chain/internal/market"
	"OpenSouk-Chain/internal/task"
)

type testEnv struct {
	handler http.Handler
	market  *market.Service
	certify *certify.Service
	tasks   *task.Service
	reg     *agent.Registry
}

func newTestEnv(t *testing.T, authSvc *auth.Service) *testEnv {
	t.Helper()
	marketSvc := market.NewService(market.NewMemoryStore())
	certifySvc, err := certify.NewService(certify.Config{
		Store:         certify.NewMemoryStore(),
		Catalog:       marketSvc,
		DefaultQuorum: 1,
	})
	if err != nil {
		t.Fatalf("new certify service: %v", err)
	}
	queue := task.NewMemoryQueue(16)
	t.Cleanup(func() { _ = queue.Close() })
	taskSvc := task.NewService(task.NewMemoryStore(), queue, 3)
	registry := agent.NewRegistry(agent.RegistryConfig{})

	server, err := NewServer(Config{
		Addr:     ":0",
		Market:   marketSvc,
		Certify:  certifySvc,
		Tasks:    taskSvc,
		Registry: registry,
		Auth:     authSvc,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{
		handler: server.Handler(),
		market:  marketSvc,
		certify: certifySvc,
		tasks:   taskSvc,
		reg:     registry,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestProductEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/products", market.AddProductInput{
		SKU:         "TEA-001",
		Name:        "Mint Tea",
		Category:    "snack",
		PriceAmount: 1200,
		Stock:       10,
		Seller:      "seller-1",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: got %d want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var product market.Product
	decodeInto(t, rec, &product)
	if product.ID == "" || product.SKU != "TEA-001" {
		t.Fatalf("unexpected product: %+v", product)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/products/"+product.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get product: got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/products/count", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("product count: got %d", rec.Code)
	}
	var count struct {
		Count int64 `json:"count"`
	}
	decodeInto(t, rec, &count)
	if count.Count != 1 {
		t.Fatalf("unexpected count: %d", count.Count)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/products?category=snack", nil, "")
	var products []*market.Product
	decodeInto(t, rec, &products)
	if len(products) != 1 {
		t.Fatalf("expected one product, got %d", len(products))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/products/does-not-exist", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing product: got %d want %d", rec.Code, http.StatusNotFound)
	}
	var body errorBody
	decodeInto(t, rec, &body)
	if body.Code != string(market.CodeProductNotFound) {
		t.Fatalf("unexpected error code: %q", body.Code)
	}
}

func TestPurchasePaymentMapping(t *testing.T) {
	env := newTestEnv(t, nil)
	product, err := env.market.AddProduct(context.Background(), market.AddProductInput{
		SKU:         "DATE-001",
		Name:        "Ajwa Dates",
		Category:    "snack",
		PriceAmount: 1500,
		Stock:       3,
		Seller:      "seller-1",
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/orders", market.PurchaseInput{
		ProductID: product.ID,
		Buyer:     "buyer-1",
		Quantity:  2,
		Payment:   2999,
	}, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("wrong payment: got %d want %d: %s", rec.Code, http.StatusUnprocessableEntity, rec.Body.String())
	}
	var body errorBody
	decodeInto(t, rec, &body)
	if body.Code != string(market.CodePaymentIncorrect) {
		t.Fatalf("unexpected error code: %q", body.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/orders", market.PurchaseInput{
		ProductID: product.ID,
		Buyer:     "buyer-1",
		Quantity:  2,
		Payment:   3000,
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("purchase: got %d: %s", rec.Code, rec.Body.String())
	}
	var order market.Order
	decodeInto(t, rec, &order)
	if order.AmountPaid != 3000 || order.Quantity != 2 {
		t.Fatalf("unexpected order: %+v", order)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/orders/"+order.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get order: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/orders?buyer=buyer-1", nil, "")
	var orders []*market.Order
	decodeInto(t, rec, &orders)
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
}

func TestCertificationFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	product, err := env.market.AddProduct(context.Background(), market.AddProductInput{
		SKU:         "TEA-002",
		Name:        "Green Tea",
		Category:    "snack",
		PriceAmount: 900,
		Stock:       5,
		Seller:      "seller-1",
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/certifications", certify.OpenInput{
		ProductID:     product.ID,
		Authority:     "JAKIM",
		CertificateNo: "MY-2026-0001",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("open certification: got %d: %s", rec.Code, rec.Body.String())
	}
	var record certify.Record
	decodeInto(t, rec, &record)
	if record.Status != certify.StatusPending {
		t.Fatalf("expected pending record, got %s", record.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/certifications/"+record.ID+"/endorsements", certify.EndorseInput{
		Certifier: "auditor-1",
		Verdict:   certify.VerdictApprove,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("endorse: got %d: %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &record)
	if record.Status != certify.StatusCertified {
		t.Fatalf("expected certified after quorum, got %s", record.Status)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/products/"+product.ID+"/certification", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: got %d", rec.Code)
	}
	var verification certify.Verification
	decodeInto(t, rec, &verification)
	if !verification.Certified {
		t.Fatalf("expected certified verification: %+v", verification)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/certifications/"+record.ID+"/suspend", reasonBody{Reason: "audit pending"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("suspend: got %d: %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &record)
	if record.Status != certify.StatusSuspended {
		t.Fatalf("expected suspended, got %s", record.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/certifications/"+record.ID+"/reinstate", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reinstate: got %d: %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &record)
	if record.Status != certify.StatusCertified {
		t.Fatalf("expected certified after reinstate, got %s", record.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/certifications/"+record.ID+"/revoke", reasonBody{Reason: "fraud"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: got %d: %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &record)
	if record.Status != certify.StatusRevoked {
		t.Fatalf("expected revoked, got %s", record.Status)
	}
}

func TestTaskEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", task.SubmitInput{
		Kind: task.KindProductAdd,
		Goal: "list mint tea",
	}, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit task: got %d want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var created task.Task
	decodeInto(t, rec, &created)
	if created.ID == "" || created.Status != task.StatusPending {
		t.Fatalf("unexpected task: %+v", created)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("task detail: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/tasks?status=pending", nil, "")
	var tasks []*task.Task
	decodeInto(t, rec, &tasks)
	if len(tasks) != 1 {
		t.Fatalf("expected one pending task, got %d", len(tasks))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/stats", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("task stats: got %d", rec.Code)
	}
	var stats task.TaskStats
	decodeInto(t, rec, &stats)
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestHealthzAndAgents(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.reg.Register(agent.Entry{Name: "seller-1", Role: "seller", Capabilities: []string{"product.add"}}); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rec.Code)
	}
	var health struct {
		Status string `json:"status"`
		Agents int    `json:"agents"`
	}
	decodeInto(t, rec, &health)
	if health.Status != "ok" || health.Agents != 1 {
		t.Fatalf("unexpected health payload: %+v", health)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("agents: got %d", rec.Code)
	}
	var entries []agent.Entry
	decodeInto(t, rec, &entries)
	if len(entries) != 1 || entries[0].Name != "seller-1" {
		t.Fatalf("unexpected agent snapshot: %+v", entries)
	}
}

func TestAuthEnforcement(t *testing.T) {
	store, err := auth.NewMemoryStore(auth.DefaultSeeds())
	if err != nil {
		t.Fatalf("new auth store: %v", err)
	}
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "api-test-secret"},
	}, store)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	env := newTestEnv(t, authSvc)

	login := func(username, password string) string {
		t.Helper()
		rec := env.do(t, http.MethodPost, "/api/v1/auth/token", auth.TokenRequest{
			GrantType: "password",
			Username:  username,
			Password:  password,
		}, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("login %s: got %d: %s", username, rec.Code, rec.Body.String())
		}
		var pair auth.TokenPair
		decodeInto(t, rec, &pair)
		return pair.AccessToken
	}

	t.Run("missing token", func(t *testing.T) {
		if rec := env.do(t, http.MethodGet, "/api/v1/products", nil, ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("wrong credentials", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/auth/token", auth.TokenRequest{
			Username: "admin",
			Password: "nope",
		}, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	viewerToken := login("viewer", "viewer-dev-only")
	adminToken := login("admin", "admin-dev-only")

	t.Run("viewer reads but cannot write", func(t *testing.T) {
		if rec := env.do(t, http.MethodGet, "/api/v1/products", nil, viewerToken); rec.Code != http.StatusOK {
			t.Fatalf("viewer read: got %d", rec.Code)
		}
		rec := env.do(t, http.MethodPost, "/api/v1/products", market.AddProductInput{
			SKU: "X", Name: "X", PriceAmount: 1, Stock: 1, Seller: "s",
		}, viewerToken)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("viewer write: got %d want %d", rec.Code, http.StatusForbidden)
		}
	})

	t.Run("admin writes", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/products", market.AddProductInput{
			SKU:         "TEA-003",
			Name:        "Chamomile Tea",
			PriceAmount: 800,
			Stock:       4,
			Seller:      "seller-1",
		}, adminToken)
		if rec.Code != http.StatusCreated {
			t.Fatalf("admin write: got %d: %s", rec.Code, rec.Body.String())
		}
	})
}
