package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/phrazzld/castqueue/internal/api/middleware"
	"github.com/phrazzld/castqueue/internal/api/shared"
	"github.com/phrazzld/castqueue/internal/config"
	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/platform/memory"
	"github.com/phrazzld/castqueue/internal/service"
	"github.com/phrazzld/castqueue/internal/service/auth"
	"github.com/phrazzld/castqueue/internal/store"
)

const (
	testAdminKey = "test-admin-key"
	testPassword = "Str0ng!Pass"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockJobService mocks the JobService interface
type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) Submit(ctx context.Context, ownerID string, req service.SubmitRequest) (*domain.Job, error) {
	args := m.Called(ctx, ownerID, req)
	job, _ := args.Get(0).(*domain.Job)
	return job, args.Error(1)
}

func (m *MockJobService) Get(ctx context.Context, ownerID string, id uuid.UUID) (*domain.Job, error) {
	args := m.Called(ctx, ownerID, id)
	job, _ := args.Get(0).(*domain.Job)
	return job, args.Error(1)
}

func (m *MockJobService) List(ctx context.Context, ownerID string, q service.ListQuery) (*service.ListResult, error) {
	args := m.Called(ctx, ownerID, q)
	res, _ := args.Get(0).(*service.ListResult)
	return res, args.Error(1)
}

func (m *MockJobService) StopJobs(ctx context.Context, ownerID string, ids []uuid.UUID) (*service.StopResult, error) {
	args := m.Called(ctx, ownerID, ids)
	res, _ := args.Get(0).(*service.StopResult)
	return res, args.Error(1)
}

func (m *MockJobService) Cleanup(ctx context.Context, ownerID string, q service.CleanupQuery) (*service.CleanupResult, error) {
	args := m.Called(ctx, ownerID, q)
	res, _ := args.Get(0).(*service.CleanupResult)
	return res, args.Error(1)
}

func (m *MockJobService) ResolveArtifact(
	ctx context.Context,
	ownerID string,
	id uuid.UUID,
	kind service.ArtifactKind,
) (*service.Artifact, error) {
	args := m.Called(ctx, ownerID, id, kind)
	res, _ := args.Get(0).(*service.Artifact)
	return res, args.Error(1)
}

// testServer wires the handlers into a chi router the same way the server
// binary does, over real account services and a mocked job service.
type testServer struct {
	handler http.Handler
	users   *service.UserService
	tokens  auth.JWTService
	jobs    *MockJobService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := setupTestLogger()

	userStore := store.NewUserStore(memory.NewKV(), "user:")
	tokens, err := auth.NewJWTService(config.AuthConfig{
		JWTSecret:            strings.Repeat("k", 32),
		TokenLifetimeMinutes: 60,
	})
	require.NoError(t, err)

	users, err := service.NewUserService(userStore, auth.NewBcryptHasher(bcrypt.MinCost), tokens, nil, log)
	require.NoError(t, err)

	jobs := &MockJobService{}

	authHandler := NewAuthHandler(users, log)
	adminHandler := NewAdminHandler(users, log)
	jobHandler := NewJobHandler(jobs, 1<<20, log)
	authMiddleware := middleware.NewAuthMiddleware(tokens, userStore)

	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware(log))
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)
			r.Post("/auth/password", authHandler.ChangePassword)
			r.Get("/users/me", authHandler.Me)

			r.Post("/jobs", jobHandler.Submit)
			r.Get("/jobs", jobHandler.List)
			r.Post("/jobs/stop", jobHandler.Stop)
			r.Delete("/jobs/clear", jobHandler.Clear)
			r.Post("/jobs/clear", jobHandler.Clear)
			r.Get("/jobs/{id}", jobHandler.Get)
			r.Get("/jobs/{id}/download/audio", jobHandler.DownloadAudio)
			r.Get("/jobs/{id}/download/text", jobHandler.DownloadText)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdminKey(testAdminKey))
			r.Get("/users", adminHandler.ListUsers)
			r.Put("/users/{email}/admin", adminHandler.SetAdmin)
			r.Delete("/users/{email}", adminHandler.DeleteUser)
		})
	})

	return &testServer{handler: r, users: users, tokens: tokens, jobs: jobs}
}

// tokenFor registers email and returns a bearer token for it.
func (s *testServer) tokenFor(t *testing.T, email string) string {
	t.Helper()
	_, err := s.users.Register(context.Background(), email, testPassword)
	require.NoError(t, err)
	token, err := s.tokens.GenerateToken(context.Background(), email)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := newJSONRequest(t, method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.send(req)
}

func newJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func (s *testServer) send(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[shared.ErrorResponse](t, rr).Error
}

func mustField(t *testing.T, body []byte, name string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &fields))
	raw, ok := fields[name]
	require.True(t, ok, "missing field %q in %s", name, body)
	return raw
}
