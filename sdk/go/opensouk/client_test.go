package opensouk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Fatalf("decode credentials: %v", err)
		}
		if creds.Username != "admin" {
			t.Fatalf("unexpected username: %q", creds.Username)
		}
		_ = json.NewEncoder(w).Encode(Token{
			AccessToken: "abc123",
			TokenType:   "Bearer",
			ExpiresIn:   900,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	token, err := client.Authenticate(context.Background(), Credentials{
		Username: "admin",
		Password: "admin-dev-only",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.TokenType != "Bearer" {
		t.Fatalf("unexpected token type: %q", token.TokenType)
	}
	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestSubmitTaskSendsBearer(t *testing.T) {
	submitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/token":
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "token"})
		case "/api/v1/tasks":
			if r.Header.Get("Authorization") != "Bearer token" {
				t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			var input SubmitTaskInput
			if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
				t.Fatalf("decode submission: %v", err)
			}
			if input.Kind != KindProductAdd {
				t.Fatalf("unexpected kind: %q", input.Kind)
			}
			submitted = true
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Kind: input.Kind, Status: TaskPending})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	if _, err := client.Authenticate(context.Background(), Credentials{}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	created, err := client.SubmitTask(context.Background(), SubmitTaskInput{Kind: KindProductAdd})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if created.Status != TaskPending {
		t.Fatalf("unexpected status: %q", created.Status)
	}
	if !submitted {
		t.Fatal("task was not submitted")
	}
}

func TestGetTaskDecodesGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-404" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "task not found",
			"code":  CodeTaskNotFound,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, err := client.GetTask(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	if !IsCode(err, CodeTaskNotFound) {
		t.Fatalf("unexpected code: %s", apiErr.Code)
	}
}

func TestWaitTaskPollsUntilTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-9" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		status := TaskRunning
		if atomic.AddInt32(&calls, 1) >= 3 {
			status = TaskSucceeded
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "task-9", Status: status})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := newTestClient(t, srv)
	detail, err := client.WaitTask(ctx, "task-9", time.Millisecond)
	if err != nil {
		t.Fatalf("wait task: %v", err)
	}
	if detail.Status != TaskSucceeded {
		t.Fatalf("unexpected status: %q", detail.Status)
	}
	if got := atomic.LoadInt32(&calls); got < 3 {
		t.Fatalf("expected at least 3 polls, got %d", got)
	}
}

func TestPurchasePaymentRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "payment does not match quantity times unit price",
			"code":  CodePaymentIncorrect,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, err := client.Purchase(context.Background(), PurchaseInput{
		ProductID: "prod-1",
		Buyer:     "buyer-1",
		Quantity:  2,
		Payment:   1,
	})
	if !IsCode(err, CodePaymentIncorrect) {
		t.Fatalf("expected payment rejection, got %v", err)
	}
}

func TestListProductsEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("category") != "snack" {
			t.Fatalf("unexpected category: %q", q.Get("category"))
		}
		if q.Get("certified") != "true" {
			t.Fatalf("unexpected certified: %q", q.Get("certified"))
		}
		if q.Get("limit") != "5" || q.Get("order") != "asc" {
			t.Fatalf("unexpected paging params: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Product{{ID: "prod-1", SKU: "TEA-001"}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	certified := true
	products, err := client.ListProducts(context.Background(), ProductFilter{
		Category:    "snack",
		Certified:   &certified,
		Limit:       5,
		OldestFirst: true,
	})
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(products) != 1 || products[0].SKU != "TEA-001" {
		t.Fatalf("unexpected products: %+v", products)
	}
}

func TestBasePathPrefixPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gateway/api/v1/products/count" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]int64{"count": 7})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/gateway", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	count, err := client.ProductCount(context.Background())
	if err != nil {
		t.Fatalf("product count: %v", err)
	}
	if count != 7 {
		t.Fatalf("unexpected count: %d", count)
	}
}

func TestHealthSkipsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Fatalf("unexpected authorization header: %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(Health{
			Status:     "ok",
			Components: map[string]bool{"market": true},
			Agents:     2,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "ok" || health.Agents != 2 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}
