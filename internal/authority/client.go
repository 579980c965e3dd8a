package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/pkg/logger"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 2
	defaultBackoff    = 500 * time.Millisecond
)

// Config 描述访问认证机构注册表所需的信息。
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// HTTPClient 通过注册表的公开 HTTP 接口校验证书。
type HTTPClient struct {
	baseURL    string
	apiKey     string
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
	log        *slog.Logger
}

// NewHTTPClient 根据配置创建注册表客户端。
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未提供注册表地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		maxRetries: maxRetries,
		backoff:    backoff,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Named("authority"),
	}, nil
}

// Lookup 查询证书编号。5xx 与网络错误在退避后重试，4xx 立即判为拒绝。
func (c *HTTPClient) Lookup(ctx context.Context, certificateNo string) (*Attestation, error) {
	no := strings.TrimSpace(certificateNo)
	if no == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "证书编号不能为空")
	}

	endpoint := c.baseURL + "/v1/certificates/" + url.PathEscape(no)
	var lastErr error
	wait := c.backoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, xerrors.Wrap(CodeUnavailable, ctx.Err(), "注册表查询被取消")
			case <-time.After(wait):
			}
			wait *= 2
		}

		att, retryable, err := c.lookupOnce(ctx, endpoint, no)
		if err == nil {
			return att, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		c.log.Warn("注册表查询失败，准备重试",
			"certificate_no", no,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, xerrors.Wrap(CodeUnavailable, lastErr, "注册表连续查询失败", xerrors.WithRetryable(true))
}

func (c *HTTPClient) lookupOnce(ctx context.Context, endpoint, certificateNo string) (*Attestation, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("构建注册表请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("请求注册表失败: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrRejected
	case resp.StatusCode >= http.StatusInternalServerError:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, true, fmt.Errorf("注册表返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode >= http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, false, xerrors.New(CodeRejected,
			fmt.Sprintf("注册表拒绝查询，状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		CertificateNo string `json:"certificate_no"`
		Authority     string `json:"authority"`
		HolderName    string `json:"holder_name"`
		Scheme        string `json:"scheme"`
		Status        string `json:"status"`
		ExpiresAt     int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, fmt.Errorf("解析注册表响应失败: %w", err)
	}

	status := strings.ToLower(strings.TrimSpace(decoded.Status))
	att := &Attestation{
		CertificateNo: decoded.CertificateNo,
		Authority:     decoded.Authority,
		HolderName:    decoded.HolderName,
		Scheme:        decoded.Scheme,
		Valid:         status == "active",
		ExpiresAt:     decoded.ExpiresAt,
		CheckedAt:     time.Now().Unix(),
	}
	if att.CertificateNo == "" {
		att.CertificateNo = certificateNo
	}
	return att, false, nil
}

var _ Client = (*HTTPClient)(nil)
