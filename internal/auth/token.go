package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// jwtManager 负责令牌的 HS256 签名与校验。
type jwtManager struct {
	secret     []byte
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func newJWTManager(opts JWTOptions) (*jwtManager, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("jwt 密钥必须配置")
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 3600
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 86400
	}
	return &jwtManager{
		secret:     []byte(opts.Secret),
		issuer:     opts.Issuer,
		audience:   opts.Audience,
		accessTTL:  time.Duration(opts.AccessTTL) * time.Second,
		refreshTTL: time.Duration(opts.RefreshTTL) * time.Second,
	}, nil
}

// jwtClaims 是令牌载荷。访问令牌携带权限列表，刷新令牌不带。
type jwtClaims struct {
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	jwt.RegisteredClaims
}

// Generate 为主体签发访问令牌与刷新令牌。
func (m *jwtManager) Generate(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, errors.New("主体信息不能为空")
	}
	subject.indexPermissions()
	now := time.Now()

	accessClaims := jwtClaims{
		Username:    subject.Username,
		Roles:       append([]string(nil), subject.Roles...),
		Permissions: append([]string(nil), subject.Permissions...),
		TokenType:   tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subject.ID, 10),
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
	}
	refreshClaims := jwtClaims{
		Username:  subject.Username,
		Roles:     append([]string(nil), subject.Roles...),
		TokenType: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subject.ID, 10),
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.refreshTTL)),
		},
	}

	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("签发访问令牌失败: %w", err)
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("签发刷新令牌失败: %w", err)
	}
	return &TokenPair{
		AccessToken:      accessToken,
		ExpiresIn:        int64(m.accessTTL.Seconds()),
		RefreshToken:     refreshToken,
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

// Verify 校验签名、过期时间、签发方与受众，返回令牌声明。
func (m *jwtManager) Verify(raw string) (*jwtClaims, error) {
	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("意外的签名算法: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && claims.Issuer != "" && !strings.EqualFold(m.issuer, claims.Issuer) {
		return nil, ErrInvalidToken
	}
	if len(m.audience) > 0 && len(claims.Audience) > 0 && !audienceMatches(m.audience, claims.Audience) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func audienceMatches(expected, provided []string) bool {
	for _, want := range expected {
		for _, have := range provided {
			if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(have)) {
				return true
			}
		}
	}
	return false
}

// HashPassword 生成 bcrypt 密码哈希。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("密码不能为空")
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("生成密码哈希失败: %w", err)
	}
	return string(digest), nil
}

func verifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
