package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"OpenSouk-Chain/pkg/logger"
)

const grantTypePassword = "password"

// Service 负责 API 层的身份验证与授权。支持三种模式：
// disabled 直接放行，jwt 本地签发与校验，oauth 委托外部提供方。
type Service struct {
	mode  Mode
	store Store
	jwt   *jwtManager
	oauth *oauthClient
	audit *slog.Logger
}

// NewService 构造身份认证服务并写入种子账号。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	svc := &Service{
		mode:  mode,
		store: store,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if store == nil {
			return nil, errors.New("jwt 模式需要用户存储")
		}
		manager, err := newJWTManager(cfg.JWT)
		if err != nil {
			return nil, err
		}
		svc.jwt = manager
	case ModeOAuth:
		client, err := newOAuthClient(cfg.OAuth)
		if err != nil {
			return nil, err
		}
		svc.oauth = client
	default:
		return nil, fmt.Errorf("不支持的认证模式: %s", cfg.Mode)
	}

	if err := applySeeds(ctx, store, cfg.Seeds); err != nil {
		return nil, err
	}
	return svc, nil
}

func applySeeds(ctx context.Context, store Store, seeds []Seed) error {
	if len(seeds) == 0 || store == nil {
		return nil
	}
	writer, ok := store.(SeedWriter)
	if !ok {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, seed := range seeds {
		if err := writer.ApplySeed(ctx, seed); err != nil {
			return fmt.Errorf("写入种子账号 %s 失败: %w", seed.Username, err)
		}
	}
	return nil
}

// Mode 返回当前工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 处理令牌签发请求。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	switch s.mode {
	case ModeJWT:
		return s.authenticateJWT(ctx, req)
	case ModeOAuth:
		return s.authenticateOAuth(ctx, req)
	default:
		return nil, ErrDisabled
	}
}

func (s *Service) authenticateJWT(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	grant := strings.TrimSpace(strings.ToLower(req.GrantType))
	if grant != "" && grant != grantTypePassword {
		return nil, ErrUnsupportedGrant
	}

	username := strings.TrimSpace(req.Username)
	subject, err := s.checkPassword(ctx, username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrSubjectRevoked) {
			s.auditTokenDenied(username, err)
		}
		return nil, err
	}

	pair, err := s.jwt.Generate(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	pair.TokenType = "Bearer"
	s.audit.Info("访问令牌已签发",
		slog.String("username", subject.Username),
		slog.Any("roles", subject.Roles),
	)
	return pair, nil
}

// checkPassword 核对口令并加载对应主体。无论用户不存在还是口令不符,
// 一律返回 ErrInvalidCredentials, 避免向调用方泄露账号是否存在。
func (s *Service) checkPassword(ctx context.Context, username, password string) (*Subject, error) {
	user, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, ErrSubjectRevoked
	}
	if !verifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	subject, err := s.store.LoadSubject(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("加载主体信息失败: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}

func (s *Service) authenticateOAuth(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s.oauth == nil {
		return nil, errors.New("oauth 客户端未配置")
	}
	return s.oauth.exchange(ctx, req)
}

// AuthenticateRequest 校验 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	switch s.mode {
	case ModeJWT:
		return s.verifyJWT(ctx, token)
	case ModeOAuth:
		return s.verifyOAuth(ctx, token)
	default:
		return nil, ErrDisabled
	}
}

func (s *Service) verifyJWT(ctx context.Context, token string) (*Subject, error) {
	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("加载主体信息失败: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.indexPermissions()
	return subject, nil
}

func (s *Service) verifyOAuth(ctx context.Context, token string) (*Subject, error) {
	if s.oauth == nil {
		return nil, errors.New("oauth 客户端未配置")
	}
	info, err := s.oauth.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if !info.Active {
		return nil, ErrInvalidToken
	}
	username := info.Username
	if username == "" {
		username = info.Subject
	}
	if username == "" {
		return nil, ErrInvalidToken
	}
	if s.store == nil {
		// 没有本地目录时信任外部身份，权限直接取 scope。
		return &Subject{Username: username, Roles: info.Roles, Permissions: info.Permissions}, nil
	}
	user, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, ErrInvalidToken
	}
	subject, err := s.store.LoadSubject(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("加载主体信息失败: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	if len(info.Permissions) > 0 {
		subject.Permissions = mergePermissions(subject.Permissions, info.Permissions)
	}
	subject.indexPermissions()
	return subject, nil
}

func (s *Service) auditTokenDenied(username string, cause error) {
	s.audit.Warn("令牌签发被拒绝",
		slog.String("username", username),
		slog.String("error", cause.Error()),
	)
}

// mergePermissions 合并本地权限与外部 scope，去重后保持原有顺序。
func mergePermissions(local, external []string) []string {
	seen := make(map[string]struct{}, len(local)+len(external))
	merged := make([]string, 0, len(local)+len(external))
	for _, perm := range append(append([]string(nil), local...), external...) {
		if _, ok := seen[perm]; ok {
			continue
		}
		seen[perm] = struct{}{}
		merged = append(merged, perm)
	}
	return merged
}
