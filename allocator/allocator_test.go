package allocator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/engine"
	"github.com/juliankiedaisch/deskgate/registry"
	"github.com/juliankiedaisch/deskgate/types"
)

// fakeEngine is an in-memory ContainerEngine. References resolve by ID or
// name, like the real engine.
type fakeEngine struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer // by ID

	failCreate error
	failStart  error

	creates int
	removed []string
}

type fakeContainer struct {
	id    string
	name  string
	state string
	spec  engine.CreateSpec
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]*fakeContainer{}}
}

func notFound(ref string) error {
	return &engine.APIError{Code: http.StatusNotFound, Message: "no such container: " + ref}
}

func (f *fakeEngine) find(ref string) *fakeContainer {
	for _, c := range f.containers {
		if c.id == ref || c.name == ref {
			return c
		}
	}
	return nil
}

// add seeds a container directly, bypassing CreateContainer bookkeeping.
func (f *fakeEngine) add(name, state string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("cid-%d", f.seq)
	f.containers[id] = &fakeContainer{id: id, name: name, state: state}
	return id
}

func (f *fakeEngine) setState(t *testing.T, ref, state string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(ref)
	require.NotNil(t, c, "no container %s", ref)
	c.state = state
}

func (f *fakeEngine) CreateContainer(_ context.Context, spec *engine.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.failCreate != nil {
		return "", f.failCreate
	}
	if f.find(spec.Name) != nil {
		return "", &engine.APIError{Code: http.StatusConflict, Message: "name already in use"}
	}
	f.seq++
	id := fmt.Sprintf("cid-%d", f.seq)
	f.containers[id] = &fakeContainer{id: id, name: spec.Name, state: "created", spec: *spec}
	return id, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart != nil {
		return f.failStart
	}
	c := f.find(ref)
	if c == nil {
		return notFound(ref)
	}
	c.state = "running"
	return nil
}

func (f *fakeEngine) StopContainer(_ context.Context, ref string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(ref)
	if c == nil {
		return notFound(ref)
	}
	c.state = "exited"
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, ref string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(ref)
	if c == nil {
		return notFound(ref)
	}
	delete(f.containers, c.id)
	f.removed = append(f.removed, c.id)
	return nil
}

func (f *fakeEngine) InspectContainer(_ context.Context, ref string) (*engine.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(ref)
	if c == nil {
		return nil, notFound(ref)
	}
	out := &engine.Container{ID: c.id, Name: "/" + c.name}
	out.State.Status = c.state
	out.State.Running = c.state == "running"
	out.Config.Image = c.spec.Image
	out.Config.Labels = c.spec.Labels
	return out, nil
}

func (f *fakeEngine) ListManaged(_ context.Context) ([]*engine.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*engine.ContainerSummary
	for _, c := range f.containers {
		if c.spec.Labels[engine.ManagedLabelKey] != engine.ManagedLabelValue {
			continue
		}
		out = append(out, &engine.ContainerSummary{
			ID:     c.id,
			Names:  []string{"/" + c.name},
			Image:  c.spec.Image,
			State:  c.state,
			Labels: c.spec.Labels,
		})
	}
	return out, nil
}

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []types.InstanceEvent
}

func (s *recordingSink) Publish(ev types.InstanceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) kinds() []types.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestAllocator(t *testing.T) (*Allocator, *fakeEngine, *registry.Registry, *recordingSink) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	eng := newFakeEngine()
	sink := &recordingSink{}
	a := New(reg, eng, config.DefaultConfig(), sink)

	require.NoError(t, reg.AddDesktopImage(t.Context(), &types.DesktopImage{
		Name:    "ubuntu-vscode",
		Image:   "kasmweb/vs-code:1.14.0",
		Enabled: true,
	}))
	return a, eng, reg, sink
}

func TestSanitize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"alice", "alice"},
		{"Julian.Kiedaisch", "julian-kiedaisch"},
		{"svc_account", "svc-account"},
		{"Ubuntu-VSCode", "ubuntu-vscode"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Sanitize(tc.in), tc.in)
	}
	assert.Equal(t, "julian-kiedaisch-ubuntu-vscode", ProxyPath("Julian.Kiedaisch", "ubuntu-vscode"))
	assert.Equal(t, "deskgate-alice-ubuntu-vscode", ContainerName("alice-ubuntu-vscode"))
}

func TestStartAllocatesInstance(t *testing.T) {
	a, eng, _, _ := newTestAllocator(t)

	inst, err := a.Start(t.Context(), "alice", "ubuntu-vscode", "sess-1")
	require.NoError(t, err)

	assert.Equal(t, "alice-ubuntu-vscode", inst.ProxyPath)
	assert.Equal(t, "deskgate-alice-ubuntu-vscode", inst.ContainerName)
	assert.Equal(t, 7000, inst.HostPort)
	assert.Equal(t, 6901, inst.ContainerPort)
	assert.Equal(t, types.InstanceRunning, inst.Status)
	assert.NotEmpty(t, inst.ContainerID)
	require.NotNil(t, inst.StartedAt)

	c := eng.find(inst.ContainerID)
	require.NotNil(t, c)
	assert.Equal(t, "running", c.state)
	assert.Equal(t, "kasmweb/vs-code:1.14.0", c.spec.Image)
	assert.Equal(t, 7000, c.spec.HostPort)
	assert.Equal(t, 6901, c.spec.ContainerPort)
	assert.EqualValues(t, 512<<20, c.spec.ShmSize)
	assert.Contains(t, c.spec.Env, "VNC_PW=password")
	assert.Contains(t, c.spec.Env, "USER=alice")
	assert.Equal(t, engine.ManagedLabelValue, c.spec.Labels[engine.ManagedLabelKey])
	assert.Equal(t, "alice", c.spec.Labels["deskgate.owner"])
	assert.Equal(t, "sess-1", c.spec.Labels["deskgate.session"])
}

func TestStartSecondAllocationReplaces(t *testing.T) {
	a, eng, reg, _ := newTestAllocator(t)
	ctx := t.Context()

	first, err := a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.NoError(t, err)

	second, err := a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ProxyPath, second.ProxyPath)
	assert.Contains(t, eng.removed, first.ContainerID)
	assert.NotNil(t, eng.find(second.ContainerID))

	rows, err := reg.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, second.ID, rows[0].ID)
	assert.Equal(t, types.InstanceRunning, rows[0].Status)
}

func TestStartUnknownImageRefused(t *testing.T) {
	a, eng, reg, _ := newTestAllocator(t)

	_, err := a.Start(t.Context(), "alice", "no-such-image", "")
	require.ErrorIs(t, err, types.ErrNotFound)

	rows, err := reg.ListInstances(t.Context())
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, eng.creates)
}

func TestStartDisabledImageRefused(t *testing.T) {
	a, eng, reg, _ := newTestAllocator(t)
	ctx := t.Context()
	require.NoError(t, reg.SetDesktopImageEnabled(ctx, "ubuntu-vscode", false))

	_, err := a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.ErrorIs(t, err, types.ErrImageDisabled)

	rows, err := reg.ListInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, eng.creates)
}

func TestStartRollsBackOnCreateFailure(t *testing.T) {
	a, eng, reg, _ := newTestAllocator(t)
	eng.failCreate = &engine.APIError{Code: http.StatusInternalServerError, Message: "boom"}

	_, err := a.Start(t.Context(), "alice", "ubuntu-vscode", "")
	var ce *types.CreationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "deskgate-alice-ubuntu-vscode", ce.ContainerName)

	rows, err := reg.ListInstances(t.Context())
	require.NoError(t, err)
	assert.Empty(t, rows, "failed allocation must not leave a row behind")
	assert.Empty(t, eng.containers)
}

func TestStartRollsBackOnStartFailure(t *testing.T) {
	a, eng, reg, _ := newTestAllocator(t)
	eng.failStart = &engine.APIError{Code: http.StatusInternalServerError, Message: "cannot start"}

	_, err := a.Start(t.Context(), "alice", "ubuntu-vscode", "")
	var ce *types.CreationError
	require.ErrorAs(t, err, &ce)

	// The half-created container is removed along with the row.
	assert.Empty(t, eng.containers)
	assert.Len(t, eng.removed, 1)
	rows, err := reg.ListInstances(t.Context())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStartPortExhausted(t *testing.T) {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	conf := config.DefaultConfig()
	conf.PortMin, conf.PortMax = 7000, 7000
	eng := newFakeEngine()
	a := New(reg, eng, conf, nil)
	ctx := t.Context()
	require.NoError(t, reg.AddDesktopImage(ctx, &types.DesktopImage{
		Name: "ubuntu-vscode", Image: "kasmweb/vs-code:1.14.0", Enabled: true,
	}))

	_, err = a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.NoError(t, err)

	_, err = a.Start(ctx, "bob", "ubuntu-vscode", "")
	require.ErrorIs(t, err, types.ErrPortExhausted)

	// The failed allocation mutated nothing: alice is untouched, bob has
	// neither a row nor a container.
	rows, err := reg.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].OwnerID)
	assert.Equal(t, types.InstanceRunning, rows[0].Status)
	assert.Equal(t, 1, eng.creates)
}

func TestStartReclaimsEngineOrphan(t *testing.T) {
	a, eng, _, _ := newTestAllocator(t)

	// A container under our deterministic name with no registry row, as
	// left behind by a crash between create and rollback.
	orphanID := eng.add("deskgate-alice-ubuntu-vscode", "running")

	inst, err := a.Start(t.Context(), "alice", "ubuntu-vscode", "")
	require.NoError(t, err)
	assert.Contains(t, eng.removed, orphanID)
	assert.NotEqual(t, orphanID, inst.ContainerID)
	assert.NotNil(t, eng.find(inst.ContainerID))
}

func TestStopIsIdempotent(t *testing.T) {
	a, eng, reg, _ := newTestAllocator(t)
	ctx := t.Context()

	inst, err := a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.NoError(t, err)

	require.NoError(t, a.Stop(ctx, inst.ID))
	got, err := reg.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, got.Status)
	require.NotNil(t, got.StoppedAt)
	c := eng.find(inst.ContainerID)
	require.NotNil(t, c)
	assert.Equal(t, "exited", c.state)

	// Second stop hits the fast path.
	require.NoError(t, a.Stop(ctx, inst.ID))
}

func TestStopToleratesMissingContainer(t *testing.T) {
	a, eng, reg, _ := newTestAllocator(t)
	ctx := t.Context()

	inst, err := a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.NoError(t, err)
	require.NoError(t, eng.RemoveContainer(ctx, inst.ContainerID, true))

	require.NoError(t, a.Stop(ctx, inst.ID))
	got, err := reg.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, got.Status)
}

func TestRemoveIsIdempotent(t *testing.T) {
	a, eng, reg, _ := newTestAllocator(t)
	ctx := t.Context()

	inst, err := a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.NoError(t, err)

	require.NoError(t, a.Remove(ctx, inst.ID))
	_, err = reg.GetInstance(ctx, inst.ID)
	require.ErrorIs(t, err, types.ErrNotFound)
	assert.Nil(t, eng.find(inst.ContainerID))

	require.NoError(t, a.Remove(ctx, inst.ID))
}

func TestReconcileObservesEngineState(t *testing.T) {
	a, eng, reg, _ := newTestAllocator(t)
	ctx := t.Context()

	inst, err := a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.NoError(t, err)

	// In sync: nothing changes.
	status, err := a.Reconcile(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, status)

	// Container exited behind our back.
	eng.setState(t, inst.ContainerID, "exited")
	status, err = a.Reconcile(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, status)
	got, err := reg.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, got.Status)
	assert.NotNil(t, got.StoppedAt)
}

func TestReconcileMissingContainerMeansStopped(t *testing.T) {
	a, eng, reg, _ := newTestAllocator(t)
	ctx := t.Context()

	inst, err := a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.NoError(t, err)
	require.NoError(t, eng.RemoveContainer(ctx, inst.ContainerID, true))

	status, err := a.Reconcile(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, status)

	got, err := reg.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, got.Status)
}

func TestReconcilePropagatesEngineErrors(t *testing.T) {
	a, _, _, _ := newTestAllocator(t)
	ctx := t.Context()

	inst, err := a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.NoError(t, err)

	failing := &erroringEngine{}
	broken := New(a.registry, failing, a.conf, nil)
	status, err := broken.Reconcile(ctx, inst)
	require.Error(t, err)
	assert.Equal(t, types.InstanceRunning, status, "status unchanged on engine error")
}

// erroringEngine fails every call with a 500.
type erroringEngine struct{ fakeEngine }

func (e *erroringEngine) InspectContainer(context.Context, string) (*engine.Container, error) {
	return nil, &engine.APIError{Code: http.StatusInternalServerError, Message: "engine down"}
}

func TestStatusRefreshesRecord(t *testing.T) {
	a, eng, _, _ := newTestAllocator(t)
	ctx := t.Context()

	inst, err := a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.NoError(t, err)
	eng.setState(t, inst.ContainerID, "exited")

	got, err := a.Status(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, got.Status)

	_, err = a.Status(ctx, "nope")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestLifecycleEvents(t *testing.T) {
	a, _, _, sink := newTestAllocator(t)
	ctx := t.Context()

	inst, err := a.Start(ctx, "alice", "ubuntu-vscode", "")
	require.NoError(t, err)
	require.NoError(t, a.Stop(ctx, inst.ID))
	require.NoError(t, a.Remove(ctx, inst.ID))

	assert.Equal(t, []types.EventKind{
		types.EventCreated,
		types.EventStatusChanged,
		types.EventRemoved,
	}, sink.kinds())

	last := sink.events[len(sink.events)-1]
	assert.Equal(t, inst.ID, last.InstanceID)
	assert.Equal(t, "alice-ubuntu-vscode", last.ProxyPath)
	assert.False(t, last.At.IsZero())
}

func TestCreationErrorUnwraps(t *testing.T) {
	a, eng, _, _ := newTestAllocator(t)
	cause := errors.New("quota exceeded")
	eng.failCreate = cause

	_, err := a.Start(t.Context(), "alice", "ubuntu-vscode", "")
	require.ErrorIs(t, err, cause)
}
