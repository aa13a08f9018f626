package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipvault/backend/internal/models"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemUsers() *memUsers { return &memUsers{users: map[string]*models.User{}} }

func (m *memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[strings.ToLower(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (m *memUsers) Create(_ context.Context, email, hash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := m.users[key]; ok {
		return nil, ErrEmailTaken
	}
	u := &models.User{ID: uuid.New(), Email: key, Password: hash, CreatedAt: time.Now()}
	m.users[key] = u
	return u, nil
}

func newAuthRouter(users Users, jwtSvc *JWTService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(users, jwtSvc, nil)
	r := gin.New()
	r.POST("/auth/signup", h.Signup)
	r.POST("/auth/login", h.Login)
	return r
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestSignupThenLogin(t *testing.T) {
	jwtSvc := NewJWTService("secret", 1)
	r := newAuthRouter(newMemUsers(), jwtSvc)

	w := postJSON(r, "/auth/signup", `{"email":"Owner@Example.com","password":"correct horse"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = postJSON(r, "/auth/login", `{"email":"owner@example.com","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Data TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	claims, err := jwtSvc.Validate(body.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, body.Data.User.ID, claims.UserID)
}

func TestSignupDuplicateEmail(t *testing.T) {
	r := newAuthRouter(newMemUsers(), NewJWTService("secret", 1))
	require.Equal(t, http.StatusCreated, postJSON(r, "/auth/signup", `{"email":"a@example.com","password":"password1"}`).Code)

	w := postJSON(r, "/auth/signup", `{"email":"a@example.com","password":"password2"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSignupValidation(t *testing.T) {
	r := newAuthRouter(newMemUsers(), NewJWTService("secret", 1))
	w := postJSON(r, "/auth/signup", `{"email":"not-an-email","password":"short"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestLoginWrongPassword(t *testing.T) {
	r := newAuthRouter(newMemUsers(), NewJWTService("secret", 1))
	require.Equal(t, http.StatusCreated, postJSON(r, "/auth/signup", `{"email":"a@example.com","password":"password1"}`).Code)

	assert.Equal(t, http.StatusUnauthorized, postJSON(r, "/auth/login", `{"email":"a@example.com","password":"nope"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, postJSON(r, "/auth/login", `{"email":"b@example.com","password":"nope"}`).Code)
}
