package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// oauthClient 与外部 OAuth2 提供方交互，完成令牌交换与内省。
type oauthClient struct {
	config OAuthOptions
	client *http.Client
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

type introspectionResponse struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub"`
	Username  string `json:"username"`
	Scope     string `json:"scope"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	ClientID  string `json:"client_id"`
	TokenType string `json:"token_type"`
}

// oauthSubject 是内省得到的主体信息，权限来自 scope。
type oauthSubject struct {
	Active      bool
	Subject     string
	Username    string
	Roles       []string
	Permissions []string
}

func newOAuthClient(cfg OAuthOptions) (*oauthClient, error) {
	if strings.TrimSpace(cfg.IntrospectionURL) == "" {
		return nil, errors.New("oauth 模式必须配置 introspection_url")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 15
	}
	return &oauthClient{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}, nil
}

// exchange 以资源所有者凭据向提供方换取令牌。
func (c *oauthClient) exchange(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if strings.TrimSpace(c.config.TokenURL) == "" {
		return nil, errors.New("签发令牌需要配置 oauth token_url")
	}
	form := url.Values{}
	if req.GrantType != "" {
		form.Set("grant_type", req.GrantType)
	}
	if req.Username != "" {
		form.Set("username", req.Username)
	}
	if req.Password != "" {
		form.Set("password", req.Password)
	}
	if len(req.Scope) > 0 {
		form.Set("scope", strings.Join(req.Scope, " "))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.config.ClientID != "" {
		httpReq.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oauth 令牌请求失败: %s", resp.Status)
	}
	var tokenResp oauthTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("解析 oauth 令牌响应失败: %w", err)
	}
	scope := tokenResp.Scope
	if scope == "" && len(req.Scope) > 0 {
		scope = strings.Join(req.Scope, " ")
	}
	var scopes []string
	if scope != "" {
		scopes = strings.Fields(scope)
	}
	return &TokenPair{
		AccessToken:   tokenResp.AccessToken,
		ExpiresIn:     tokenResp.ExpiresIn,
		RefreshToken:  tokenResp.RefreshToken,
		TokenType:     tokenResp.TokenType,
		GrantedScopes: scopes,
	}, nil
}

// introspect 校验令牌并返回主体信息。
func (c *oauthClient) introspect(ctx context.Context, token string) (*oauthSubject, error) {
	form := url.Values{}
	form.Set("token", token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.config.ClientID != "" {
		httpReq.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oauth 内省请求失败: %s", resp.Status)
	}
	var introspect introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&introspect); err != nil {
		return nil, fmt.Errorf("解析内省响应失败: %w", err)
	}
	var perms []string
	if introspect.Scope != "" {
		perms = strings.Fields(introspect.Scope)
	}
	return &oauthSubject{
		Active:      introspect.Active,
		Subject:     introspect.Subject,
		Username:    pickClaim(introspect, c.config.UsernameClaim),
		Permissions: perms,
	}, nil
}

// pickClaim 根据配置选择承载用户名的声明字段。
func pickClaim(resp introspectionResponse, claim string) string {
	switch strings.ToLower(claim) {
	case "username":
		return resp.Username
	case "sub", "subject":
		return resp.Subject
	case "client_id":
		return resp.ClientID
	default:
		if claim == "preferred_username" && resp.Username == "" {
			return resp.Subject
		}
		return resp.Username
	}
}
