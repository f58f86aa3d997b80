package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juliankiedaisch/deskgate/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testInstance(owner, image string) *types.Instance {
	path := owner + "-" + image
	return &types.Instance{
		ID:            uuid.NewString(),
		OwnerID:       owner,
		SessionRef:    "sess-" + owner,
		ImageRef:      image,
		ContainerName: "deskgate-" + path,
		ContainerPort: 6901,
		ProxyPath:     path,
	}
}

func TestAllocateInstancePicksLowestFreePort(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first := testInstance("alice", "ubuntu-vscode")
	require.NoError(t, r.AllocateInstance(ctx, first, 7000, 7005))
	assert.Equal(t, 7000, first.HostPort)
	assert.Equal(t, types.InstanceCreating, first.Status)

	second := testInstance("bob", "ubuntu-vscode")
	require.NoError(t, r.AllocateInstance(ctx, second, 7000, 7005))
	assert.Equal(t, 7001, second.HostPort)

	// Retiring the first frees its port for the next allocation.
	require.NoError(t, r.MarkStopped(ctx, first.ID))
	third := testInstance("carol", "ubuntu-vscode")
	require.NoError(t, r.AllocateInstance(ctx, third, 7000, 7005))
	assert.Equal(t, 7000, third.HostPort)
}

func TestAllocateInstancePortExhausted(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		inst := testInstance(fmt.Sprintf("user%d", i), "ubuntu")
		require.NoError(t, r.AllocateInstance(ctx, inst, 7000, 7002))
	}

	inst := testInstance("overflow", "ubuntu")
	err := r.AllocateInstance(ctx, inst, 7000, 7002)
	require.ErrorIs(t, err, types.ErrPortExhausted)

	// Exhaustion must not leave a row behind.
	all, err := r.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAllocateInstanceConcurrentDistinctPorts(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	const n = 16
	instances := make([]*types.Instance, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst := testInstance(fmt.Sprintf("owner%02d", i), "ubuntu-vscode")
			errs[i] = r.AllocateInstance(ctx, inst, 7000, 8000)
			instances[i] = inst
		}(i)
	}
	wg.Wait()

	ports := make(map[int]string, n)
	paths := make(map[string]bool, n)
	for i, inst := range instances {
		require.NoError(t, errs[i])
		prev, dup := ports[inst.HostPort]
		require.False(t, dup, "port %d handed to both %s and %s", inst.HostPort, prev, inst.OwnerID)
		ports[inst.HostPort] = inst.OwnerID
		require.False(t, paths[inst.ProxyPath])
		paths[inst.ProxyPath] = true
	}
}

func TestGetRunningByProxyPath(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	inst := testInstance("alice", "ubuntu-vscode")
	require.NoError(t, r.AllocateInstance(ctx, inst, 7000, 8000))

	// Creating instances are not routable.
	_, err := r.GetRunningByProxyPath(ctx, "alice-ubuntu-vscode")
	require.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, r.MarkRunning(ctx, inst.ID, "cid-123"))
	got, err := r.GetRunningByProxyPath(ctx, "alice-ubuntu-vscode")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, "cid-123", got.ContainerID)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, r.MarkStopped(ctx, inst.ID))
	_, err = r.GetRunningByProxyPath(ctx, "alice-ubuntu-vscode")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestCollidingInstancesIgnoresSessionRef(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	stale := testInstance("alice", "ubuntu-vscode")
	stale.SessionRef = "old-session"
	require.NoError(t, r.AllocateInstance(ctx, stale, 7000, 8000))
	require.NoError(t, r.MarkStopped(ctx, stale.ID))

	got, err := r.CollidingInstances(ctx, "alice", "alice-ubuntu-vscode", "deskgate-alice-ubuntu-vscode")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)

	// Another owner's identical image does not collide.
	got, err = r.CollidingInstances(ctx, "bob", "bob-ubuntu-vscode", "deskgate-bob-ubuntu-vscode")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMarkStoppedIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	inst := testInstance("alice", "ubuntu")
	require.NoError(t, r.AllocateInstance(ctx, inst, 7000, 8000))
	require.NoError(t, r.MarkStopped(ctx, inst.ID))

	got, err := r.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StoppedAt)
	firstStop := *got.StoppedAt

	time.Sleep(1100 * time.Millisecond) // RFC 3339 second resolution
	require.NoError(t, r.MarkStopped(ctx, inst.ID))
	got, err = r.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.StoppedAt.Equal(firstStop), "stopped_at must not move on repeat stop")
}

func TestRetentionQueries(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	old := testInstance("alice", "ubuntu")
	require.NoError(t, r.AllocateInstance(ctx, old, 7000, 8000))
	require.NoError(t, r.MarkStopped(ctx, old.ID))

	fresh := testInstance("bob", "ubuntu")
	require.NoError(t, r.AllocateInstance(ctx, fresh, 7000, 8000))
	require.NoError(t, r.MarkStopped(ctx, fresh.ID))

	cutoff := time.Now().Add(time.Minute)
	gone, err := r.ListStoppedBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Len(t, gone, 2)

	gone, err = r.ListStoppedBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestListIdleRunningFallsBackToStartedAt(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	inst := testInstance("alice", "ubuntu")
	require.NoError(t, r.AllocateInstance(ctx, inst, 7000, 8000))
	require.NoError(t, r.MarkRunning(ctx, inst.ID, "cid"))

	// Never accessed: started_at governs idleness.
	idle, err := r.ListIdleRunning(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, idle, 1)

	require.NoError(t, r.Touch(ctx, inst.ID))
	idle, err = r.ListIdleRunning(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, idle)
}

func TestDesktopImageCatalog(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	img := &types.DesktopImage{
		Name:    "ubuntu-vscode",
		Image:   "kasmweb/vs-code:1.15.0",
		Enabled: true,
	}
	require.NoError(t, r.AddDesktopImage(ctx, img))

	got, err := r.GetDesktopImage(ctx, "ubuntu-vscode")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "kasmweb/vs-code:1.15.0", got.Image)

	require.NoError(t, r.SetDesktopImageEnabled(ctx, "ubuntu-vscode", false))

	// Re-adding updates the image but keeps the disabled flag.
	img.Image = "kasmweb/vs-code:1.16.0"
	require.NoError(t, r.AddDesktopImage(ctx, img))
	got, err = r.GetDesktopImage(ctx, "ubuntu-vscode")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "kasmweb/vs-code:1.16.0", got.Image)

	require.NoError(t, r.DeleteDesktopImage(ctx, "ubuntu-vscode"))
	_, err = r.GetDesktopImage(ctx, "ubuntu-vscode")
	require.ErrorIs(t, err, types.ErrNotFound)

	err = r.SetDesktopImageEnabled(ctx, "missing", true)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestSessions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	s, err := r.IssueSession(ctx, "alice", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	assert.False(t, s.Expired(time.Now()))

	require.NoError(t, r.SetCurrentInstance(ctx, s.ID, "alice-ubuntu-vscode"))
	got, err := r.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice-ubuntu-vscode", got.CurrentInstance)
	assert.Equal(t, "alice", got.OwnerID)

	expired, err := r.IssueSession(ctx, "bob", -time.Minute)
	require.NoError(t, err)
	n, err := r.DeleteExpiredSessions(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = r.GetSession(ctx, expired.ID)
	require.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, r.RevokeSession(ctx, s.ID))
	_, err = r.GetSession(ctx, s.ID)
	require.ErrorIs(t, err, types.ErrNotFound)
}
