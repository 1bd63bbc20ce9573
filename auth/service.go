package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/nodefed/nodefed/node"
	"github.com/nodefed/nodefed/types"
)

// Config holds auth service settings.
type Config struct {
	// HMAC signing secret. Required; issuance fails without it.
	Secret string
	// Token issuer claim.
	Issuer string
	// Default access token lifetime.
	TokenTTL time.Duration
	// Default refresh token lifetime in days.
	RefreshTokenDays int
}

// Service issues and validates node credentials. Only this service
// mutates the auth fields of node records.
type Service struct {
	config Config
	store  node.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates the auth service.
func NewService(config Config, store node.Store, logger *zap.Logger) *Service {
	if config.TokenTTL <= 0 {
		config.TokenTTL = time.Hour
	}
	if config.RefreshTokenDays <= 0 {
		config.RefreshTokenDays = 30
	}
	return &Service{
		config: config,
		store:  store,
		logger: logger.With(zap.String("component", "node_auth")),
		now:    time.Now,
	}
}

// IssueToken signs a short-lived access token for the node.
func (s *Service) IssueToken(n *types.Node, ttl time.Duration) (string, error) {
	if s.config.Secret == "" {
		return "", types.NewError(types.ErrConfiguration, "token signing secret is not configured")
	}
	if ttl <= 0 {
		ttl = s.config.TokenTTL
	}

	now := s.now()
	claims := &NodeClaims{
		Slug:         n.Slug,
		Name:         n.Name,
		Capabilities: n.Capabilities,
		NodeType:     n.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   n.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "failed to sign token").WithCause(err)
	}

	return signed, nil
}

// ValidateToken verifies a token and returns its claims. An expired
// token and a malformed or tampered token are both unauthenticated for
// the caller, but they are distinguished: expiry is an expected event
// and logged quieter than a bad signature.
func (s *Service) ValidateToken(tokenStr string) (*NodeClaims, error) {
	if s.config.Secret == "" {
		return nil, types.NewError(types.ErrConfiguration, "token signing secret is not configured")
	}

	claims := &NodeClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.config.Secret), nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			s.logger.Info("node token expired", zap.String("slug", claims.Slug))
			return nil, types.NewError(types.ErrTokenExpired, "token expired").WithCause(err)
		}
		s.logger.Warn("invalid node token", zap.Error(err))
		return nil, types.NewError(types.ErrAuthentication, "invalid token").WithCause(err)
	}
	if !token.Valid {
		s.logger.Warn("invalid node token")
		return nil, types.NewError(types.ErrAuthentication, "invalid token")
	}

	return claims, nil
}

// AuthenticateToken validates a token and, when the subject node has a
// local record, requires that record to still be active. Flipping a
// node's status cuts off its outstanding tokens immediately instead of
// at expiry. Callers without a local record (a master-signed token
// presented to a child) authenticate on claims alone.
func (s *Service) AuthenticateToken(ctx context.Context, tokenStr string) (*VirtualNode, error) {
	claims, err := s.ValidateToken(tokenStr)
	if err != nil {
		return nil, err
	}

	n, err := s.store.GetBySlug(ctx, claims.Slug)
	if err != nil {
		if errors.Is(err, node.ErrNodeNotFound) {
			return claims.Virtual(), nil
		}
		return nil, err
	}
	if n.Status != types.NodeStatusActive {
		s.logger.Warn("token for non-active node rejected",
			zap.String("slug", n.Slug),
			zap.String("status", string(n.Status)))
		return nil, types.NewError(types.ErrForbidden, "node is not active").WithNode(n.Slug)
	}

	return claims.Virtual(), nil
}

// hashRefreshToken derives the stored hash of a refresh token.
func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IssueRefreshToken mints a high-entropy refresh token for the node.
// Only the hash is persisted; the plaintext is returned exactly once.
func (s *Service) IssueRefreshToken(ctx context.Context, n *types.Node, days int) (string, error) {
	if days <= 0 {
		days = s.config.RefreshTokenDays
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", types.NewError(types.ErrInternalError, "failed to generate refresh token").WithCause(err)
	}
	token := "nfr_" + hex.EncodeToString(raw)

	expires := s.now().AddDate(0, 0, days)
	err := s.store.UpdateFields(ctx, n.ID, map[string]interface{}{
		"refresh_token_hash":       hashRefreshToken(token),
		"refresh_token_expires_at": expires,
	})
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "failed to persist refresh token").WithCause(err)
	}

	s.logger.Info("refresh token issued",
		zap.String("slug", n.Slug),
		zap.Time("expires_at", expires),
	)

	return token, nil
}

// RedeemRefreshToken exchanges a valid refresh token for a new access
// token. The refresh token itself is not rotated.
func (s *Service) RedeemRefreshToken(ctx context.Context, token string) (string, *types.Node, error) {
	n, err := s.store.GetByRefreshTokenHash(ctx, hashRefreshToken(token))
	if err != nil {
		if errors.Is(err, node.ErrNodeNotFound) {
			s.logger.Warn("unknown refresh token presented")
			return "", nil, types.NewError(types.ErrAuthentication, "invalid refresh token")
		}
		return "", nil, err
	}

	if n.RefreshTokenExpiresAt == nil || s.now().After(*n.RefreshTokenExpiresAt) {
		s.logger.Info("expired refresh token presented", zap.String("slug", n.Slug))
		return "", nil, types.NewError(types.ErrTokenExpired, "refresh token expired")
	}
	if n.Status != types.NodeStatusActive {
		return "", nil, types.NewError(types.ErrForbidden, "node is not active").WithNode(n.Slug)
	}

	access, err := s.IssueToken(n, 0)
	if err != nil {
		return "", nil, err
	}

	return access, n, nil
}

// RevokeRefreshToken clears the stored refresh token hash and expiry.
func (s *Service) RevokeRefreshToken(ctx context.Context, n *types.Node) error {
	err := s.store.UpdateFields(ctx, n.ID, map[string]interface{}{
		"refresh_token_hash":       "",
		"refresh_token_expires_at": nil,
	})
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to revoke refresh token").WithCause(err)
	}

	s.logger.Info("refresh token revoked", zap.String("slug", n.Slug))
	return nil
}

// ValidateAPIKey resolves an API key to its node. This is the fallback
// path when no signed token is presented; only active nodes
// authenticate.
func (s *Service) ValidateAPIKey(ctx context.Context, key string) (*types.Node, error) {
	n, err := s.store.GetByAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, node.ErrNodeNotFound) {
			return nil, types.NewError(types.ErrAuthentication, "invalid API key")
		}
		return nil, err
	}

	if n.Status != types.NodeStatusActive {
		return nil, types.NewError(types.ErrForbidden, "node is not active").WithNode(n.Slug)
	}

	return n, nil
}
