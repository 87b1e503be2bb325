package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/fieldserv/api/internal/auth"
	"github.com/fieldserv/api/internal/database"
	"github.com/fieldserv/api/internal/enum"
	"github.com/fieldserv/api/internal/handler"
)

type mockAuthStore struct {
	getUserByEmailFn func(ctx context.Context, email string) (database.User, error)
	getUserByIDFn    func(ctx context.Context, id uuid.UUID) (database.User, error)
}

func (m *mockAuthStore) GetUserByEmail(ctx context.Context, email string) (database.User, error) {
	if m.getUserByEmailFn != nil {
		return m.getUserByEmailFn(ctx, email)
	}
	return database.User{}, pgx.ErrNoRows
}

func (m *mockAuthStore) GetUserByID(ctx context.Context, id uuid.UUID) (database.User, error) {
	if m.getUserByIDFn != nil {
		return m.getUserByIDFn(ctx, id)
	}
	return database.User{}, pgx.ErrNoRows
}

func setupAuthRouter(store *mockAuthStore) *chi.Mux {
	h := handler.NewAuthHandler(store, testJWTSecret)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func testUser(t *testing.T, password string) database.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return database.User{
		ID:             uuid.New(),
		CompanyID:      uuid.New(),
		FullName:       "Иванов Иван",
		Email:          "ivanov@fieldserv.local",
		HashedPassword: string(hash),
		Role:           enum.RoleWorker,
	}
}

// doRequest issues an unauthenticated request; auth endpoints sit outside
// the JWT middleware.
func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestLogin_HappyPath(t *testing.T) {
	user := testUser(t, "password123")
	store := &mockAuthStore{
		getUserByEmailFn: func(ctx context.Context, email string) (database.User, error) {
			if email != user.Email {
				t.Errorf("email: got %q, want %q", email, user.Email)
			}
			return user, nil
		},
	}
	router := setupAuthRouter(store)

	rr := doRequest(t, router, "POST", "/auth/login", map[string]string{
		"email":    user.Email,
		"password": "password123",
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if resp["access_token"] == "" || resp["access_token"] == nil {
		t.Error("missing access_token")
	}
	if resp["refresh_token"] == "" || resp["refresh_token"] == nil {
		t.Error("missing refresh_token")
	}
	u, ok := resp["user"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing user in response: %v", resp)
	}
	if u["email"] != user.Email {
		t.Errorf("user.email: got %v", u["email"])
	}
	if _, hasHash := u["hashed_password"]; hasHash {
		t.Error("response must not expose the password hash")
	}

	claims, err := auth.ValidateToken(testJWTSecret, resp["access_token"].(string))
	if err != nil {
		t.Fatalf("access token does not validate: %v", err)
	}
	if claims.UserID != user.ID || claims.CompanyID != user.CompanyID {
		t.Errorf("claims: got %+v", claims)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	user := testUser(t, "password123")
	store := &mockAuthStore{
		getUserByEmailFn: func(ctx context.Context, email string) (database.User, error) {
			return user, nil
		},
	}
	router := setupAuthRouter(store)

	rr := doRequest(t, router, "POST", "/auth/login", map[string]string{
		"email":    user.Email,
		"password": "wrong",
	})

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestLogin_UnknownEmailSameError(t *testing.T) {
	router := setupAuthRouter(&mockAuthStore{})

	rr := doRequest(t, router, "POST", "/auth/login", map[string]string{
		"email":    "nobody@fieldserv.local",
		"password": "password123",
	})

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	resp := decodeBody(t, rr)
	if resp["error"] != "invalid credentials" {
		t.Errorf("error: got %v, want invalid credentials", resp["error"])
	}
}

func TestLogin_MissingFields(t *testing.T) {
	router := setupAuthRouter(&mockAuthStore{})

	rr := doRequest(t, router, "POST", "/auth/login", map[string]string{
		"email": "ivanov@fieldserv.local",
	})

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestRefresh_HappyPath(t *testing.T) {
	user := testUser(t, "password123")
	refresh, err := auth.GenerateRefreshToken(testJWTSecret, user.ID)
	if err != nil {
		t.Fatalf("generate refresh token: %v", err)
	}

	store := &mockAuthStore{
		getUserByIDFn: func(ctx context.Context, id uuid.UUID) (database.User, error) {
			if id != user.ID {
				t.Errorf("user id: got %v, want %v", id, user.ID)
			}
			return user, nil
		},
	}
	router := setupAuthRouter(store)

	rr := doRequest(t, router, "POST", "/auth/refresh", map[string]string{
		"refresh_token": refresh,
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if resp["access_token"] == "" || resp["access_token"] == nil {
		t.Error("missing access_token")
	}
}

func TestRefresh_AccessTokenRejected(t *testing.T) {
	user := testUser(t, "password123")
	access, err := auth.GenerateToken(testJWTSecret, user.ID, user.CompanyID, user.Role)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	router := setupAuthRouter(&mockAuthStore{
		getUserByIDFn: func(ctx context.Context, id uuid.UUID) (database.User, error) {
			return user, nil
		},
	})

	rr := doRequest(t, router, "POST", "/auth/refresh", map[string]string{
		"refresh_token": access,
	})

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestRefresh_GarbageToken(t *testing.T) {
	router := setupAuthRouter(&mockAuthStore{})

	rr := doRequest(t, router, "POST", "/auth/refresh", map[string]string{
		"refresh_token": "not-a-token",
	})

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}
