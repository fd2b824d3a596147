package coolify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL:         srv.URL,
		APIToken:        "test-token",
		ProjectUUID:     "proj-1",
		ServerUUID:      "srv-1",
		EnvironmentName: "production",
	})
	require.NoError(t, err)
	return c, srv
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{APIToken: "x"})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestCreateApplication(t *testing.T) {
	var gotCreate, gotEnv map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/applications/dockerimage", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotCreate))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"uuid":"app-123"}`))
	})
	mux.HandleFunc("PATCH /api/v1/applications/app-123/envs/bulk", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEnv))
		w.WriteHeader(http.StatusOK)
	})

	c, _ := newTestClient(t, mux)
	uuid, err := c.CreateApplication(t.Context(), CreateApplicationRequest{
		Name:  "pool-coolify-001",
		Image: "registry.example.com/meetbot",
		Tag:   "v4",
		Env:   map[string]string{"BOT_ID": "17"},
	})
	require.NoError(t, err)
	assert.Equal(t, "app-123", uuid)
	assert.Equal(t, "pool-coolify-001", gotCreate["name"])
	assert.Equal(t, "proj-1", gotCreate["project_uuid"])
	assert.Equal(t, false, gotCreate["instant_deploy"])
	require.NotNil(t, gotEnv["data"])
}

func TestCreateApplicationNoUUID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/applications/dockerimage", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	c, _ := newTestClient(t, mux)
	_, err := c.CreateApplication(t.Context(), CreateApplicationRequest{Name: "x", Image: "i", Tag: "t"})
	assert.ErrorContains(t, err, "no uuid")
}

func TestStartApplicationRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/applications/app-1/start", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	c, _ := newTestClient(t, mux)
	err := c.StartApplication(t.Context(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStartApplicationPermanentError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/applications/app-1/start", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	c, _ := newTestClient(t, mux)
	err := c.StartApplication(t.Context(), "app-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "401 must not be retried")
}

func TestStopAndDeleteTolerateMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c, _ := newTestClient(t, mux)
	assert.NoError(t, c.StopApplication(t.Context(), "gone"))
	assert.NoError(t, c.DeleteApplication(t.Context(), "gone"))
}

func TestGetApplicationMissingIsNil(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/applications/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c, _ := newTestClient(t, mux)
	app, err := c.GetApplication(t.Context(), "gone")
	require.NoError(t, err)
	assert.Nil(t, app)
}

func TestIsRunning(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/applications/app-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"uuid":"app-1","status":"running:healthy"}`))
	})
	mux.HandleFunc("GET /api/v1/applications/app-2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"uuid":"app-2","status":"exited"}`))
	})

	c, _ := newTestClient(t, mux)
	running, err := c.IsRunning(t.Context(), "app-1")
	require.NoError(t, err)
	assert.True(t, running)

	running, err = c.IsRunning(t.Context(), "app-2")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestRecentDeployment(t *testing.T) {
	recent := time.Now().Add(-30 * time.Second).Format(time.RFC3339)
	old := time.Now().Add(-10 * time.Minute).Format(time.RFC3339)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/deployments/applications/app-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"deployments":[{"deployment_uuid":"d1","status":"queued","created_at":"` + recent + `"}]}`))
	})
	mux.HandleFunc("GET /api/v1/deployments/applications/app-2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"deployments":[{"deployment_uuid":"d2","status":"in_progress","created_at":"` + old + `"}]}`))
	})

	c, _ := newTestClient(t, mux)
	got, err := c.RecentDeployment(t.Context(), "app-1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = c.RecentDeployment(t.Context(), "app-2", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestListApplications(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/applications", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"uuid":"a1","name":"pool-coolify-001"},{"uuid":"a2","name":"other-app"}]`))
	})
	c, _ := newTestClient(t, mux)
	apps, err := c.ListApplications(t.Context())
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "pool-coolify-001", apps[0].Name)
}
