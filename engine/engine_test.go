package engine

import (
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/types"
)

// newTestEngine serves handler on a Unix socket and returns a client for it.
func newTestEngine(t *testing.T, handler http.Handler) *Engine {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "engine.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: time.Second}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { _ = srv.Close() })

	return New(config.EngineConfig{Socket: sock, APIVersion: "v1.43"})
}

func TestCreateContainer(t *testing.T) {
	var gotReq createRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.43/containers/create", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "deskgate-alice-ubuntu-vscode", r.URL.Query().Get("name"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(createResponse{ID: "cid-42"})
	})

	e := newTestEngine(t, mux)
	id, err := e.CreateContainer(t.Context(), &CreateSpec{
		Name:          "deskgate-alice-ubuntu-vscode",
		Image:         "kasmweb/vs-code:1.15.0",
		Env:           []string{"VNC_PW=secret"},
		Labels:        map[string]string{"managed-by": "deskgate"},
		ContainerPort: 6901,
		HostPort:      7000,
		ShmSize:       512 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, "cid-42", id)

	assert.Equal(t, "kasmweb/vs-code:1.15.0", gotReq.Image)
	require.Contains(t, gotReq.HostConfig.PortBindings, "6901/tcp")
	assert.Equal(t, "7000", gotReq.HostConfig.PortBindings["6901/tcp"][0].HostPort)
	assert.EqualValues(t, 512<<20, gotReq.HostConfig.ShmSize)
	require.NotNil(t, gotReq.HostConfig.RestartPolicy)
	assert.Contains(t, gotReq.ExposedPorts, "6901/tcp")
}

func TestStartStopNotModifiedIsSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.43/containers/cid/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})
	mux.HandleFunc("POST /v1.43/containers/cid/stop", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("t"))
		w.WriteHeader(http.StatusNotModified)
	})

	e := newTestEngine(t, mux)
	require.NoError(t, e.StartContainer(t.Context(), "cid"))
	require.NoError(t, e.StopContainer(t.Context(), "cid", 10*time.Second))
}

func TestRemoveContainerNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1.43/containers/ghost", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("force"))
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "No such container: ghost"})
	})

	e := newTestEngine(t, mux)
	err := e.RemoveContainer(t.Context(), "ghost", true)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "No such container")
}

func TestInspectRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1.43/containers/cid/json", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(Container{
			ID:    "cid",
			Name:  "/deskgate-alice-ubuntu",
			State: ContainerState{Status: "running", Running: true},
		})
	})

	e := newTestEngine(t, mux)
	c, err := e.InspectContainer(t.Context(), "cid")
	require.NoError(t, err)
	assert.Equal(t, "running", c.State.Status)
	assert.EqualValues(t, 3, calls.Load())
}

func TestListManagedFilters(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1.43/containers/json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("all"))
		var filters map[string][]string
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("filters")), &filters))
		assert.Equal(t, []string{ManagedLabel}, filters["label"])

		_ = json.NewEncoder(w).Encode([]*ContainerSummary{
			{ID: "cid-1", Names: []string{"/deskgate-alice-ubuntu"}, State: "exited"},
		})
	})

	e := newTestEngine(t, mux)
	list, err := e.ListManaged(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "deskgate-alice-ubuntu", list[0].Name())
}

func TestMapState(t *testing.T) {
	cases := map[string]types.InstanceStatus{
		"created":    types.InstanceCreating,
		"restarting": types.InstanceCreating,
		"running":    types.InstanceRunning,
		"paused":     types.InstanceStopped,
		"exited":     types.InstanceStopped,
		"dead":       types.InstanceStopped,
		"removing":   types.InstanceStopped,
		"bogus":      types.InstanceError,
	}
	for state, want := range cases {
		assert.Equal(t, want, MapState(state), "state %q", state)
	}
}
