package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anoixa/product-images/internal/authz"
	"github.com/golang-jwt/jwt/v5"
)

// TokenConfig 保存 JWT 配置
type TokenConfig struct {
	Secret    []byte
	ExpiresIn time.Duration
}

// JWTService JWT Token 服务
type JWTService struct {
	config TokenConfig
	mutex  sync.RWMutex
}

// NewJWTService 创建新的 JWT 服务
func NewJWTService(secret string, expiresIn time.Duration) (*JWTService, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("JWT secret must be at least 32 characters long, got %d", len(secret))
	}
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	return &JWTService{config: TokenConfig{Secret: []byte(secret), ExpiresIn: expiresIn}}, nil
}

// GetConfig 获取当前 JWT 配置（只读）
func (s *JWTService) GetConfig() TokenConfig {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return TokenConfig{
		Secret:    append([]byte{}, s.config.Secret...),
		ExpiresIn: s.config.ExpiresIn,
	}
}

// GenerateAccessToken 为调用方签发访问令牌
func (s *JWTService) GenerateAccessToken(subject, role string) (string, time.Time, error) {
	config := s.GetConfig()

	if len(config.Secret) == 0 {
		return "", time.Time{}, errors.New("JWT secret is not initialized")
	}
	if len(authz.CapabilitiesForRole(role)) == 0 {
		return "", time.Time{}, fmt.Errorf("unknown role %q", role)
	}

	expiry := time.Now().Add(config.ExpiresIn)
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"type": "access",
		"exp":  expiry.Unix(),
		"iat":  time.Now().Unix(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(config.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}
	return token, expiry, nil
}

// ParseToken 解析和验证 JWT 令牌
func (s *JWTService) ParseToken(tokenString string) (jwt.MapClaims, error) {
	config := s.GetConfig()

	if len(config.Secret) == 0 {
		return nil, errors.New("JWT secret is not initialized")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return config.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ExtractActor 校验访问令牌并转换为调用方
func (s *JWTService) ExtractActor(tokenString string) (authz.Actor, error) {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return authz.Actor{}, err
	}

	if tokenType, _ := claims["type"].(string); tokenType != "access" {
		return authz.Actor{}, errors.New("not an access token")
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return authz.Actor{}, errors.New("sub not found in token claims")
	}
	role, _ := claims["role"].(string)

	return authz.NewActor(subject, role), nil
}
