package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/memory"
)

type userStoreStub struct {
	mu    sync.Mutex
	users map[string]domain.UserAccount
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	user.ID = int64(len(s.users) + 1)
	s.users[user.Username] = user
	return &user.User, nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.User, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user.User)
	}
	return out, nil
}

func (s *userStoreStub) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, store.ErrNotFound)
	}
	return &user, nil
}

func TestAuthManagerLoginIssuesActorToken(t *testing.T) {
	auth := NewAuthManager("test-secret-key", time.Hour, memory.New())
	ctx := context.Background()

	created, err := auth.CreateUser(ctx, domain.UserCreateRequest{Username: " Clerk01 ", Password: "secret1"})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if created.Username != "clerk01" || created.Role != domain.RoleCashier {
		t.Fatalf("expected normalized cashier, got %+v", created)
	}

	resp, err := auth.Login(ctx, domain.LoginRequest{Username: "clerk01", Password: "secret1"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.User.ID != created.ID || resp.User.Permissions != domain.DefaultPermissions(domain.RoleCashier) {
		t.Fatalf("unexpected login user %+v", resp.User)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.UserID != created.ID || actor.Username != "clerk01" || actor.Role != domain.RoleCashier {
		t.Fatalf("unexpected actor %+v", actor)
	}
	if !actor.Permissions.Has(domain.PermSell) || actor.Permissions.Has(domain.PermReports) {
		t.Fatalf("unexpected permissions %s", actor.Permissions)
	}
}

func TestAuthManagerRejectsBadCredentials(t *testing.T) {
	auth := NewAuthManager("test-secret-key", time.Hour, memory.New())
	ctx := context.Background()
	if _, err := auth.CreateUser(ctx, domain.UserCreateRequest{Username: "clerk01", Password: "secret1"}); err != nil {
		t.Fatalf("create user failed: %v", err)
	}

	for _, req := range []domain.LoginRequest{
		{Username: "clerk01", Password: "wrong-pass"},
		{Username: "nobody", Password: "secret1"},
		{Username: "", Password: "secret1"},
	} {
		if _, err := auth.Login(ctx, req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected invalid credentials, got %v", req.Username, err)
		}
	}
}

func TestAuthManagerRejectsInactiveAccount(t *testing.T) {
	hash, err := hashPassword("secret1")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	users := &userStoreStub{users: map[string]domain.UserAccount{
		"retired": {
			User:         domain.User{ID: 9, Username: "retired", Role: domain.RoleCashier, Active: false},
			PasswordHash: hash,
		},
	}}
	auth := NewAuthManager("test-secret-key", time.Hour, users)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "retired", Password: "secret1"}); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestAuthManagerCreateUserValidation(t *testing.T) {
	auth := NewAuthManager("test-secret-key", time.Hour, memory.New())
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.UserCreateRequest
	}{
		{name: "short username", req: domain.UserCreateRequest{Username: "abc", Password: "secret1"}},
		{name: "username with space", req: domain.UserCreateRequest{Username: "front desk", Password: "secret1"}},
		{name: "short password", req: domain.UserCreateRequest{Username: "clerk01", Password: "12345"}},
		{name: "unknown role", req: domain.UserCreateRequest{Username: "clerk01", Password: "secret1", Role: "owner"}},
		{name: "unknown permission", req: domain.UserCreateRequest{Username: "clerk01", Password: "secret1", Permissions: []string{"teleport"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := auth.CreateUser(ctx, tc.req); !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if _, err := auth.CreateUser(ctx, domain.UserCreateRequest{Username: "clerk01", Password: "secret1"}); err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if _, err := auth.CreateUser(ctx, domain.UserCreateRequest{Username: "clerk01", Password: "secret2"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for duplicate username, got %v", err)
	}
}

func TestAuthManagerExplicitPermissions(t *testing.T) {
	auth := NewAuthManager("test-secret-key", time.Hour, memory.New())

	user, err := auth.CreateUser(context.Background(), domain.UserCreateRequest{
		Username:    "analyst",
		Password:    "secret1",
		Permissions: []string{"reports", "inventory"},
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if user.Permissions != domain.PermReports|domain.PermInventory {
		t.Fatalf("expected reports+inventory, got %s", user.Permissions)
	}
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	issuer := NewAuthManager("issuer-secret-key", time.Hour, memory.New())
	verifier := NewAuthManager("verifier-secret-key", time.Hour, memory.New())

	token, err := issuer.sign(domain.User{ID: 1, Username: "admin", Role: domain.RoleAdmin, Permissions: domain.PermAll}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	expired, err := verifier.sign(domain.User{ID: 1, Username: "admin", Role: domain.RoleAdmin}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := verifier.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestParseTokenRejectsNoneAlgorithm(t *testing.T) {
	auth := NewAuthManager("test-secret-key", time.Hour, memory.New())

	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID:      1,
		Permissions: uint32(domain.PermAll),
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, claims).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected alg=none token to be rejected")
	}
}

func TestIsPasswordHash(t *testing.T) {
	hash, err := hashPassword("secret1")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if !isPasswordHash(hash) || isPasswordHash("secret1") {
		t.Fatalf("unexpected hash detection")
	}
	if verifyPassword(hash, "  ") || !verifyPassword(hash, "secret1") {
		t.Fatalf("unexpected password verification")
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("expected bcrypt prefix, got %q", hash)
	}
}
