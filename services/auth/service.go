// Package auth issues and verifies the access tokens of the API.
//
// Login doubles as registration: an unknown email creates the account with
// the presented password.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/computer-use-api/config"
	"github.com/upb/computer-use-api/middleware"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/repositories"
	"github.com/upb/computer-use-api/services"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// LoginAuditor records login attempts
type LoginAuditor interface {
	LogLogin(userID, email string, success bool, requestID string) error
}

// LoginResult is returned by a successful login
type LoginResult struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *models.User `json:"user"`
}

// TokenService issues HS256 access tokens and verifies them
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenService creates a token service from the auth configuration
func NewTokenService(cfg config.AuthConfig) *TokenService {
	return &TokenService{
		secret: []byte(cfg.JWTSecret),
		ttl:    cfg.TokenTTL,
		issuer: cfg.Issuer,
		now:    time.Now,
	}
}

// IssueToken signs a token for user
func (s *TokenService) IssueToken(user *models.User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := &middleware.Claims{
		UserID: user.ID.String(),
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken verifies signature, algorithm, issuer and expiry and returns
// the claims. It implements middleware.TokenValidator.
func (s *TokenService) ValidateToken(ctx context.Context, tokenString string) (*middleware.Claims, error) {
	claims := &middleware.Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, services.WrapError(services.ErrorTypeUnauthorized, "authentication token expired", err)
		}
		return nil, services.WrapError(services.ErrorTypeUnauthorized, "invalid authentication token", err)
	}
	if claims.UserID == "" {
		return nil, services.ErrMissingIdentity
	}
	return claims, nil
}

// Service handles login and registration
type Service struct {
	users      repositories.UserRepository
	txMgr      repositories.TransactionManager
	tokens     *TokenService
	audit      LoginAuditor
	cfg        config.AuthConfig
	logger     *zap.Logger
	bcryptCost int
}

// NewService creates the login service. audit may be nil.
func NewService(users repositories.UserRepository, txMgr repositories.TransactionManager, tokens *TokenService, audit LoginAuditor, cfg config.AuthConfig, logger *zap.Logger) *Service {
	return &Service{
		users:      users,
		txMgr:      txMgr,
		tokens:     tokens,
		audit:      audit,
		cfg:        cfg,
		logger:     logger,
		bcryptCost: bcrypt.DefaultCost,
	}
}

// Login verifies email and password, registering unknown emails
func (s *Service) Login(ctx context.Context, email, password, requestID string) (*LoginResult, error) {
	email = models.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, services.ErrInvalidCredentials
	}

	user, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.User, error) {
		existing, err := s.users.GetByEmail(ctx, email)
		switch {
		case err == nil:
			return existing, s.verify(existing, password)
		case errors.Is(err, repositories.ErrNotFound):
			return s.register(ctx, email, password)
		default:
			return nil, services.WrapStorage("failed to load user", err)
		}
	})
	if err != nil {
		var userID string
		if user != nil {
			userID = user.ID.String()
		}
		s.recordLogin(userID, email, false, requestID)
		s.logger.Info("login failed", zap.String("email", email), zap.String("request_id", requestID), zap.Error(err))
		return nil, err
	}

	token, expiresAt, err := s.tokens.IssueToken(user)
	if err != nil {
		return nil, services.WrapInternal("failed to issue token", err)
	}

	s.recordLogin(user.ID.String(), email, true, requestID)
	s.logger.Info("user logged in", zap.String("user_id", user.ID.String()), zap.String("request_id", requestID))

	return &LoginResult{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt,
		User:        user,
	}, nil
}

func (s *Service) verify(user *models.User, password string) error {
	if !user.IsActive {
		return services.ErrInactiveUser
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return services.ErrInvalidCredentials
	}
	return nil
}

func (s *Service) register(ctx context.Context, email, password string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, services.WrapError(services.ErrorTypeValidation, "password cannot be used", err)
	}

	user := models.NewUser(email, string(hash))
	if s.cfg.IsAdminEmail(email) {
		user.Role = models.RoleAdmin
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, services.WrapStorage("failed to create user", err)
	}

	s.logger.Info("registered user", zap.String("user_id", user.ID.String()), zap.String("role", string(user.Role)))
	return user, nil
}

func (s *Service) recordLogin(userID, email string, success bool, requestID string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogLogin(userID, email, success, requestID); err != nil {
		s.logger.Error("failed to audit login", zap.String("email", email), zap.Error(err))
	}
}
