package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"listing-chat/internal/apperrors"
	"listing-chat/internal/cache"
	"listing-chat/internal/logger"
	"listing-chat/internal/models"
	"listing-chat/internal/store"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

type UserService struct {
	users      store.UserStore
	cache      *cache.Cache
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewUserService(users store.UserStore, c *cache.Cache, secret string, accessTTL, refreshTTL time.Duration) *UserService {
	return &UserService{
		users:      users,
		cache:      c,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (s *UserService) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.Internal("failed to hash password", err)
	}

	user, err := s.users.CreateUser(ctx, models.User{
		Username:     strings.TrimSpace(req.Username),
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, apperrors.Conflict("username already exists", err)
	}
	if err != nil {
		return nil, storeError(err, "User")
	}

	return &user, nil
}

func (s *UserService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	user, err := s.users.GetUserByUsername(ctx, req.Username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.Unauthenticated("invalid credentials", nil)
	}
	if err != nil {
		return nil, storeError(err, "User")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, apperrors.Unauthenticated("invalid credentials", nil)
	}

	return s.issueTokens(user.ID, user.DisplayName)
}

// Refresh exchanges a valid refresh token for a new token pair.
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (*models.AuthResponse, error) {
	identity, err := s.parseToken(refreshToken, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	// Pick up display name changes since the token was issued.
	if user, err := s.users.GetUser(ctx, identity.UserID); err == nil {
		identity.DisplayName = user.DisplayName
	} else if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.Unauthenticated("user no longer exists", err)
	}
	return s.issueTokens(identity.UserID, identity.DisplayName)
}

// Authenticate resolves an access token to the caller's identity.
func (s *UserService) Authenticate(token string) (models.Identity, error) {
	return s.parseToken(token, tokenTypeAccess)
}

// DisplayName returns the user's display name, or "" when it cannot be resolved.
func (s *UserService) DisplayName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	key := "user:name:" + userID

	var name string
	if hit, err := s.cache.Get(ctx, key, &name); err != nil {
		logger.Warn("[users] cache get %s: %v", key, err)
	} else if hit {
		return name
	}

	var user models.User
	err := retryRead(ctx, "GetUser", func(ctx context.Context) error {
		var err error
		user, err = s.users.GetUser(ctx, userID)
		return err
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("[users] display name for %s: %v", userID, err)
		}
		return ""
	}

	if err := s.cache.Set(ctx, key, user.DisplayName); err != nil {
		logger.Warn("[users] cache set %s: %v", key, err)
	}
	return user.DisplayName
}

func (s *UserService) issueTokens(userID, name string) (*models.AuthResponse, error) {
	access, err := s.GenerateJWT(userID, name)
	if err != nil {
		return nil, apperrors.Internal("failed to generate access token", err)
	}
	refresh, err := s.GenerateRefreshToken(userID, name)
	if err != nil {
		return nil, apperrors.Internal("failed to generate refresh token", err)
	}
	return &models.AuthResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		UserID:       userID,
		DisplayName:  name,
	}, nil
}

func (s *UserService) GenerateJWT(userID, name string) (string, error) {
	return s.sign(userID, name, tokenTypeAccess, s.accessTTL)
}

func (s *UserService) GenerateRefreshToken(userID, name string) (string, error) {
	return s.sign(userID, name, tokenTypeRefresh, s.refreshTTL)
}

func (s *UserService) sign(userID, name, typ string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"name":    name,
		"typ":     typ,
		"exp":     time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *UserService) parseToken(tokenString, wantType string) (models.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return models.Identity{}, apperrors.Unauthenticated("invalid token", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return models.Identity{}, apperrors.Unauthenticated("invalid token", nil)
	}
	if typ, _ := claims["typ"].(string); typ != wantType {
		return models.Identity{}, apperrors.Unauthenticated("wrong token type", nil)
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return models.Identity{}, apperrors.Unauthenticated("invalid token claims", nil)
	}
	name, _ := claims["name"].(string)

	return models.Identity{UserID: userID, DisplayName: name}, nil
}
