package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is inactive")
)

type AuthManager struct {
	secret    []byte
	tokenTTL  time.Duration
	userStore UserStore
}

// UserStore is the slice of the repository the auth layer needs.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	UserID      int64  `json:"uid"`
	Role        string `json:"role"`
	Permissions uint32 `json:"perms"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	return &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}

	account, err := a.userStore.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.LoginResponse{}, err
	}

	if !verifyPassword(account.PasswordHash, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, ErrAccountInactive
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(account.User, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		User:        account.User,
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" || claims.UserID < 1 {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{
		UserID:      claims.UserID,
		Username:    sub,
		Role:        claims.Role,
		Permissions: domain.Permission(claims.Permissions),
	}, nil
}

func (a *AuthManager) sign(user domain.User, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "retailpos",
		},
		UserID:      user.ID,
		Role:        user.Role,
		Permissions: uint32(user.Permissions),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.User, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 {
		return domain.User{}, fmt.Errorf("%w: username must be at least 4 characters", store.ErrValidation)
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.User{}, fmt.Errorf("%w: username must not contain spaces", store.ErrValidation)
	}
	if len(strings.TrimSpace(req.Password)) < 6 {
		return domain.User{}, fmt.Errorf("%w: password must be at least 6 characters", store.ErrValidation)
	}

	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = domain.RoleCashier
	}
	if role != domain.RoleAdmin && role != domain.RoleCashier {
		return domain.User{}, fmt.Errorf("%w: unknown role %q", store.ErrValidation, req.Role)
	}

	perms := domain.DefaultPermissions(role)
	if len(req.Permissions) > 0 {
		parsed, err := domain.ParsePermissions(req.Permissions)
		if err != nil {
			return domain.User{}, fmt.Errorf("%w: %v", store.ErrValidation, err)
		}
		perms = parsed
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := a.userStore.CreateUser(ctx, domain.UserAccount{
		User: domain.User{
			Username:    username,
			Role:        role,
			Permissions: perms,
			Active:      true,
			CreatedAt:   time.Now().UTC(),
		},
		PasswordHash: passwordHash,
	})
	if err != nil {
		return domain.User{}, err
	}
	return *created, nil
}

func (a *AuthManager) ListUsers(ctx context.Context) ([]domain.User, error) {
	return a.userStore.ListUsers(ctx)
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
