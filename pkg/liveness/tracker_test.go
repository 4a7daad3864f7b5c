package liveness

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuttersense/shuttersense/pkg/broadcast"
	"github.com/shuttersense/shuttersense/pkg/coordinator"
	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/guid"
	"github.com/shuttersense/shuttersense/pkg/storage"
	"github.com/shuttersense/shuttersense/pkg/types"
)

type testEnv struct {
	tracker *Tracker
	coord   *coordinator.Coordinator
	broker  *broadcast.Broker
	store   storage.Store
	tenant  *types.Tenant
	admin   *types.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tenant := &types.Tenant{
		GUID:      guid.New(guid.PrefixTenant),
		Name:      "studio",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateTenant(tenant))

	admin := &types.User{
		GUID:      guid.New(guid.PrefixUser),
		TenantID:  tenant.ID,
		Email:     "admin@studio.test",
		Kind:      types.UserKindHuman,
		Status:    types.UserStatusActive,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateUser(admin))

	broker := broadcast.NewBroker(broadcast.Options{})
	coord := coordinator.NewCoordinator(store, broker)
	return &testEnv{
		tracker: NewTracker(store, coord),
		coord:   coord,
		broker:  broker,
		store:   store,
		tenant:  tenant,
		admin:   admin,
	}
}

func (e *testEnv) addAgent(t *testing.T, name string, lastHeartbeat time.Time) *types.Agent {
	t.Helper()

	now := time.Now().UTC()
	token := &types.RegistrationToken{
		GUID:          guid.New(guid.PrefixRegToken),
		TenantID:      e.tenant.ID,
		CreatorUserID: e.admin.ID,
		Name:          "tok-" + name,
		SecretHash:    "hash-" + name,
		ExpiresAt:     now.Add(time.Hour),
		CreatedAt:     now,
	}
	require.NoError(t, e.store.CreateRegistrationToken(token))

	sysUser := &types.User{
		GUID:      guid.New(guid.PrefixUser),
		TenantID:  e.tenant.ID,
		Email:     name + "@system.local",
		Kind:      types.UserKindSystem,
		Status:    types.UserStatusActive,
		Active:    true,
		CreatedAt: now,
	}
	agent := &types.Agent{
		GUID:          guid.New(guid.PrefixAgent),
		TenantID:      e.tenant.ID,
		CreatorUserID: e.admin.ID,
		Name:          name,
		Status:        types.AgentStatusOnline,
		LastHeartbeat: lastHeartbeat,
		APIKeyHash:    "keyhash-" + name,
		Verified:      true,
		CreatedAt:     now,
	}
	require.NoError(t, e.store.AdmitAgent(token.GUID, sysUser, agent, now))
	return agent
}

func TestHeartbeatUsesServerClock(t *testing.T) {
	env := newTestEnv(t)
	stale := time.Now().UTC().Add(-time.Hour)
	agent := env.addAgent(t, "a1", stale)

	before := time.Now().UTC()
	got, err := env.tracker.Heartbeat(agent.GUID, &HeartbeatInput{Status: "busy"})
	require.NoError(t, err)

	assert.Equal(t, types.AgentStatusBusy, got.Status)
	assert.False(t, got.LastHeartbeat.Before(before), "timestamp must come from the server clock")
}

func TestHeartbeatReplacesCapabilitiesWholesale(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "a1", time.Now().UTC())

	got, err := env.tracker.Heartbeat(agent.GUID, &HeartbeatInput{
		Capabilities:    []string{"tool:photostats:1.1.0"},
		AuthorizedRoots: []string{"/photos"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tool:photostats:1.1.0"}, got.Capabilities)
	assert.Equal(t, []string{"/photos"}, got.AuthorizedRoots)

	// nil leaves the stored sets untouched.
	got, err = env.tracker.Heartbeat(agent.GUID, &HeartbeatInput{Status: "online"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tool:photostats:1.1.0"}, got.Capabilities)
	assert.Equal(t, []string{"/photos"}, got.AuthorizedRoots)
}

func TestHeartbeatRejectsRevokedAgent(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "a1", time.Now().UTC())

	_, err := env.tracker.Revoke(env.tenant, agent.GUID, "compromised host")
	require.NoError(t, err)

	_, err = env.tracker.Heartbeat(agent.GUID, &HeartbeatInput{})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindAgentRevoked, errdefs.KindOf(err))
}

func TestHeartbeatCarriesJobProgress(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "worker", time.Now().UTC())
	other := env.addAgent(t, "bystander", time.Now().UTC())

	_, err := env.coord.CreateJob(env.tenant, &coordinator.CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(agent)
	require.NoError(t, err)
	require.NotNil(t, job)

	sub, err := env.broker.Subscribe(broadcast.JobChannel(job.GUID))
	require.NoError(t, err)
	defer env.broker.Unsubscribe(sub)

	_, err = env.tracker.Heartbeat(agent.GUID, &HeartbeatInput{
		Status:             "busy",
		CurrentJobGUID:     job.GUID,
		CurrentJobProgress: json.RawMessage(`{"pct":55}`),
	})
	require.NoError(t, err)

	select {
	case payload := <-sub.C():
		var event struct {
			Type string `json:"type"`
			Job  struct {
				Progress json.RawMessage `json:"progress"`
			} `json:"job"`
		}
		require.NoError(t, json.Unmarshal(payload, &event))
		assert.Equal(t, "job.progress", event.Type)
		assert.JSONEq(t, `{"pct":55}`, string(event.Job.Progress))
	case <-time.After(time.Second):
		t.Fatal("no progress event received")
	}

	stored, err := env.coord.GetJob(env.tenant, job.GUID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pct":55}`, string(stored.Progress))

	// Progress for a job the sender does not hold is dropped, but the
	// heartbeat itself still lands.
	_, err = env.tracker.Heartbeat(other.GUID, &HeartbeatInput{
		CurrentJobGUID:     job.GUID,
		CurrentJobProgress: json.RawMessage(`{"pct":99}`),
	})
	require.NoError(t, err)

	stored, err = env.coord.GetJob(env.tenant, job.GUID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pct":55}`, string(stored.Progress))
}

func TestHeartbeatRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "a1", time.Now().UTC())

	_, err := env.tracker.Heartbeat(agent.GUID, &HeartbeatInput{Status: "offline"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestSweepReleasesStaleAgentJobs(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	stale := env.addAgent(t, "stale", now.Add(-2*time.Minute))
	fresh := env.addAgent(t, "fresh", now)

	_, err := env.coord.CreateJob(env.tenant, &coordinator.CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(stale)
	require.NoError(t, err)
	require.NotNil(t, job)

	swept, err := env.tracker.Sweep(now)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	gotStale, err := env.store.GetAgentByGUID(stale.GUID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusOffline, gotStale.Status)

	gotFresh, err := env.store.GetAgentByGUID(fresh.GUID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusOnline, gotFresh.Status)

	gotJob, err := env.coord.GetJob(env.tenant, job.GUID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, gotJob.Status)
	assert.Equal(t, 1, gotJob.RetryCount)
	assert.Nil(t, gotJob.AssignedAgent)

	// A second sweep at the same instant finds nothing to do.
	swept, err = env.tracker.Sweep(now)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestSweepSkipsAgentAtExactTimeout(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	env.addAgent(t, "edge", now.Add(-90*time.Second))

	swept, err := env.tracker.Sweep(now)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestDisconnectReleasesImmediately(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "leaver", time.Now().UTC())

	_, err := env.coord.CreateJob(env.tenant, &coordinator.CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(agent)
	require.NoError(t, err)

	require.NoError(t, env.tracker.Disconnect(agent.GUID))

	got, err := env.store.GetAgentByGUID(agent.GUID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusOffline, got.Status)

	gotJob, err := env.coord.GetJob(env.tenant, job.GUID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, gotJob.Status)
}

func TestRevokeIsTerminalAndIdempotent(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "victim", time.Now().UTC())

	first, err := env.tracker.Revoke(env.tenant, agent.GUID, "lost laptop")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusRevoked, first.Status)
	assert.Equal(t, "lost laptop", first.RevokedReason)
	require.NotNil(t, first.RevokedAt)

	second, err := env.tracker.Revoke(env.tenant, agent.GUID, "different reason")
	require.NoError(t, err)
	assert.Equal(t, "lost laptop", second.RevokedReason, "revocation details are immutable")

	// Sweeps never resurrect or touch revoked agents.
	swept, err := env.tracker.Sweep(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestRevokeCrossTenantNotFound(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "a1", time.Now().UTC())

	other := &types.Tenant{
		GUID:      guid.New(guid.PrefixTenant),
		Name:      "other",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, env.store.CreateTenant(other))

	_, err := env.tracker.Revoke(other, agent.GUID, "nope")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestSweepDetachesStaleCancelledJobs(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "holder", time.Now().UTC())

	_, err := env.coord.CreateJob(env.tenant, &coordinator.CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(agent)
	require.NoError(t, err)
	_, err = env.coord.Cancel(env.tenant, job.GUID)
	require.NoError(t, err)

	// Within the hold deadline the attribution stays for late reports.
	_, err = env.tracker.Sweep(time.Now().UTC())
	require.NoError(t, err)
	got, err := env.coord.GetJob(env.tenant, job.GUID)
	require.NoError(t, err)
	assert.NotNil(t, got.AssignedAgent)

	_, err = env.tracker.Sweep(time.Now().UTC().Add(11 * time.Minute))
	require.NoError(t, err)
	got, err = env.coord.GetJob(env.tenant, job.GUID)
	require.NoError(t, err)
	assert.Nil(t, got.AssignedAgent)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
}
