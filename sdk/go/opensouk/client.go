// Package opensouk is the official Go client for the OpenSouk-Chain
// gateway. It wraps the REST surface with typed requests and responses
// and keeps the bearer token fresh across calls.
package opensouk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	apiPrefix        = "/api/v1"
	maxResponseBytes = 4 << 20
)

// Client talks to one OpenSouk-Chain gateway. It is safe for
// concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// NewClient builds a client for the gateway at rawURL. When httpClient
// is nil, http.DefaultClient is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", rawURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("base url %q must include scheme and host", rawURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// APIError is a structured gateway rejection. Code carries the stable
// machine code (for example MARKET_PAYMENT_INCORRECT) when the gateway
// supplied one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("opensouk: %s (%s, http %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("opensouk: %s (http %d)", e.Message, e.StatusCode)
}

// IsCode reports whether err is a gateway rejection with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Error codes the client is commonly interested in.
const (
	CodeProductNotFound  = "MARKET_PRODUCT_NOT_FOUND"
	CodePaymentIncorrect = "MARKET_PAYMENT_INCORRECT"
	CodeRecordNotFound   = "CERT_RECORD_NOT_FOUND"
	CodeTaskNotFound     = "TASK_NOT_FOUND"
)

// AccessToken returns the bearer token currently attached to requests.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken installs a token obtained elsewhere, bypassing
// Authenticate.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// Authenticate exchanges credentials for a bearer token and remembers
// it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (*Token, error) {
	var token Token
	if err := c.post(ctx, apiPrefix+"/auth/token", creds, &token); err != nil {
		return nil, err
	}
	c.SetAccessToken(token.AccessToken)
	return &token, nil
}

// Health fetches the gateway health snapshot. It never requires a
// token.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var health Health
	if err := c.get(ctx, "/healthz", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// AddProduct lists a new product in the catalogue.
func (c *Client) AddProduct(ctx context.Context, input AddProductInput) (*Product, error) {
	var product Product
	if err := c.post(ctx, apiPrefix+"/products", input, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProduct fetches one product by ID.
func (c *Client) GetProduct(ctx context.Context, id string) (*Product, error) {
	var product Product
	if err := c.get(ctx, apiPrefix+"/products/"+url.PathEscape(id), nil, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// ProductFilter narrows ListProducts. Zero values mean "no filter".
type ProductFilter struct {
	Category    string
	Seller      string
	Certified   *bool
	Query       string
	Limit       int
	Offset      int
	OldestFirst bool
}

func (f ProductFilter) values() url.Values {
	q := url.Values{}
	setNonEmpty(q, "category", f.Category)
	setNonEmpty(q, "seller", f.Seller)
	if f.Certified != nil {
		q.Set("certified", strconv.FormatBool(*f.Certified))
	}
	setNonEmpty(q, "q", f.Query)
	setPositive(q, "limit", f.Limit)
	setPositive(q, "offset", f.Offset)
	if f.OldestFirst {
		q.Set("order", "asc")
	}
	return q
}

// ListProducts returns catalogue entries matching the filter, newest
// first unless OldestFirst is set.
func (c *Client) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	var products []Product
	if err := c.get(ctx, apiPrefix+"/products", filter.values(), &products); err != nil {
		return nil, err
	}
	return products, nil
}

// ProductCount returns the total number of listed products, served
// from the on-chain counter when a contract is configured.
func (c *Client) ProductCount(ctx context.Context) (int64, error) {
	var body struct {
		Count int64 `json:"count"`
	}
	if err := c.get(ctx, apiPrefix+"/products/count", nil, &body); err != nil {
		return 0, err
	}
	return body.Count, nil
}

// VerifyProduct asks the gateway whether a product is certified right
// now, including the registry cross-check.
func (c *Client) VerifyProduct(ctx context.Context, productID string) (*Verification, error) {
	var verification Verification
	ref := apiPrefix + "/products/" + url.PathEscape(productID) + "/certification"
	if err := c.get(ctx, ref, nil, &verification); err != nil {
		return nil, err
	}
	return &verification, nil
}

// Purchase places an order. The gateway rejects it with
// CodePaymentIncorrect unless Payment equals quantity times the unit
// price.
func (c *Client) Purchase(ctx context.Context, input PurchaseInput) (*Order, error) {
	var order Order
	if err := c.post(ctx, apiPrefix+"/orders", input, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder fetches one order by ID.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var order Order
	if err := c.get(ctx, apiPrefix+"/orders/"+url.PathEscape(id), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Buyer     string
	ProductID string
	Limit     int
	Offset    int
}

func (f OrderFilter) values() url.Values {
	q := url.Values{}
	setNonEmpty(q, "buyer", f.Buyer)
	setNonEmpty(q, "product_id", f.ProductID)
	setPositive(q, "limit", f.Limit)
	setPositive(q, "offset", f.Offset)
	return q
}

// ListOrders returns orders matching the filter.
func (c *Client) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	var orders []Order
	if err := c.get(ctx, apiPrefix+"/orders", filter.values(), &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// OpenCertification starts a certification round for a product.
func (c *Client) OpenCertification(ctx context.Context, input OpenCertificationInput) (*Certification, error) {
	var record Certification
	if err := c.post(ctx, apiPrefix+"/certifications", input, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetCertification fetches one certification record by ID.
func (c *Client) GetCertification(ctx context.Context, id string) (*Certification, error) {
	var record Certification
	if err := c.get(ctx, apiPrefix+"/certifications/"+url.PathEscape(id), nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// CertificationFilter narrows ListCertifications.
type CertificationFilter struct {
	Status    string
	ProductID string
	Authority string
	Limit     int
	Offset    int
}

func (f CertificationFilter) values() url.Values {
	q := url.Values{}
	setNonEmpty(q, "status", f.Status)
	setNonEmpty(q, "product_id", f.ProductID)
	setNonEmpty(q, "authority", f.Authority)
	setPositive(q, "limit", f.Limit)
	setPositive(q, "offset", f.Offset)
	return q
}

// ListCertifications returns certification records matching the filter.
func (c *Client) ListCertifications(ctx context.Context, filter CertificationFilter) ([]Certification, error) {
	var records []Certification
	if err := c.get(ctx, apiPrefix+"/certifications", filter.values(), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Endorse casts a certifier vote on an open record. Once the approval
// quorum is reached the record flips to certified.
func (c *Client) Endorse(ctx context.Context, recordID string, input EndorsementInput) (*Certification, error) {
	var record Certification
	ref := apiPrefix + "/certifications/" + url.PathEscape(recordID) + "/endorsements"
	if err := c.post(ctx, ref, input, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

type reasonBody struct {
	Reason string `json:"reason,omitempty"`
}

// SuspendCertification pauses a certified record pending an audit.
func (c *Client) SuspendCertification(ctx context.Context, id, reason string) (*Certification, error) {
	var record Certification
	ref := apiPrefix + "/certifications/" + url.PathEscape(id) + "/suspend"
	if err := c.post(ctx, ref, reasonBody{Reason: reason}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ReinstateCertification lifts a suspension.
func (c *Client) ReinstateCertification(ctx context.Context, id string) (*Certification, error) {
	var record Certification
	ref := apiPrefix + "/certifications/" + url.PathEscape(id) + "/reinstate"
	if err := c.post(ctx, ref, nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// RevokeCertification permanently withdraws a certification.
func (c *Client) RevokeCertification(ctx context.Context, id, reason string) (*Certification, error) {
	var record Certification
	ref := apiPrefix + "/certifications/" + url.PathEscape(id) + "/revoke"
	if err := c.post(ctx, ref, reasonBody{Reason: reason}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// SubmitTask enqueues a task for the agent pool. The gateway answers
// 202 with the pending task; poll GetTask for the outcome.
func (c *Client) SubmitTask(ctx context.Context, input SubmitTaskInput) (*Task, error) {
	var created Task
	if err := c.post(ctx, apiPrefix+"/tasks", input, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetTask fetches one task by ID.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var detail Task
	if err := c.get(ctx, apiPrefix+"/tasks/"+url.PathEscape(id), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// WaitTask polls the task until it reaches a terminal status or ctx is
// done. An interval of zero or less polls every 500ms. Callers bound the
// wait through ctx, typically with context.WithTimeout.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		detail, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if detail.Status == TaskSucceeded || detail.Status == TaskFailed {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Statuses    []string
	Kinds       []string
	AssignedTo  string
	Query       string
	HasResult   *bool
	Limit       int
	Offset      int
	OldestFirst bool
}

func (f TaskFilter) values() url.Values {
	q := url.Values{}
	setNonEmpty(q, "status", strings.Join(f.Statuses, ","))
	setNonEmpty(q, "kind", strings.Join(f.Kinds, ","))
	setNonEmpty(q, "assigned_to", f.AssignedTo)
	setNonEmpty(q, "q", f.Query)
	if f.HasResult != nil {
		q.Set("has_result", strconv.FormatBool(*f.HasResult))
	}
	setPositive(q, "limit", f.Limit)
	setPositive(q, "offset", f.Offset)
	if f.OldestFirst {
		q.Set("order", "asc")
	}
	return q
}

// ListTasks returns tasks matching the filter, most recently updated
// first unless OldestFirst is set.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var tasks []Task
	if err := c.get(ctx, apiPrefix+"/tasks", filter.values(), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTaskStats returns an aggregate snapshot of the task store.
func (c *Client) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	var stats TaskStats
	if err := c.get(ctx, apiPrefix+"/tasks/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListAgents returns the current agent registry snapshot.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.get(ctx, apiPrefix+"/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func (c *Client) get(ctx context.Context, reference string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, reference, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, reference string, body, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, reference, nil, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// newRequest resolves reference against the base URL so a client built
// with a path prefix (for example behind a reverse proxy) keeps it. The
// bearer token is attached when present; the gateway decides whether it
// is required.
func (c *Client) newRequest(ctx context.Context, method, reference string, query url.Values, body any) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, reference)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	endpoint := c.baseURL.ResolveReference(rel)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

func decodeAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
		return apiErr
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		apiErr.Message = msg
	} else {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func setNonEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setPositive(q url.Values, key string, value int) {
	if value > 0 {
		q.Set(key, strconv.Itoa(value))
	}
}
