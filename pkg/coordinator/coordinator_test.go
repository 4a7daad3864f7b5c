package coordinator

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuttersense/shuttersense/pkg/broadcast"
	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/guid"
	"github.com/shuttersense/shuttersense/pkg/storage"
	"github.com/shuttersense/shuttersense/pkg/types"
)

type testEnv struct {
	coord  *Coordinator
	store  storage.Store
	tenant *types.Tenant
	admin  *types.User
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
		GUID:        guid.New(guid.PrefixUser),
		TenantID:    tenant.ID,
		Email:       "admin@studio.test",
		DisplayName: "Admin",
		Kind:        types.UserKindHuman,
		Status:      types.UserStatusActive,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateUser(admin))

	broker := broadcast.NewBroker(broadcast.Options{})
	return &testEnv{
		coord:  NewCoordinator(store, broker),
		store:  store,
		tenant: tenant,
		admin:  admin,
	}
}

// addAgent admits a verified online agent through the registration path so
// the store assigns real ids.
func (e *testEnv) addAgent(t *testing.T, name string, caps, roots []string) *types.Agent {
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
		GUID:            guid.New(guid.PrefixAgent),
		TenantID:        e.tenant.ID,
		CreatorUserID:   e.admin.ID,
		Name:            name,
		Status:          types.AgentStatusOnline,
		Capabilities:    caps,
		AuthorizedRoots: roots,
		APIKeyHash:      "keyhash-" + name,
		Verified:        true,
		CreatedAt:       now,
	}
	require.NoError(t, e.store.AdmitAgent(token.GUID, sysUser, agent, now))
	return agent
}

func (e *testEnv) addCollection(t *testing.T, name, sourcePath string) *types.Collection {
	t.Helper()
	col := &types.Collection{
		GUID:       guid.New(guid.PrefixCollection),
		TenantID:   e.tenant.ID,
		Name:       name,
		SourcePath: sourcePath,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateCollection(col))
	return col
}

func TestCreateJobDefaults(t *testing.T) {
	env := newTestEnv(t)

	job, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)

	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, 3, job.RetryLimit)
	assert.NotEmpty(t, job.SigningSecret)
	assert.Nil(t, job.AssignedAgent)
}

func TestCreateJobRejectsDotDotCollectionPath(t *testing.T) {
	env := newTestEnv(t)
	col := env.addCollection(t, "sneaky", "/photos/../etc")

	_, err := env.coord.CreateJob(env.tenant, &CreateJobInput{
		Tool:           "photostats",
		CollectionGUID: col.GUID,
	})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestClaimRequiresVerifiedAgent(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "a1", nil, nil)
	agent.Verified = false

	_, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)

	// No release manifest exists yet, so there is nothing to verify
	// against and the bootstrap-admitted agent may claim.
	got, err := env.coord.Claim(agent)
	require.NoError(t, err)
	require.NotNil(t, got)

	_, err = env.store.CreateManifest(&types.ReleaseManifest{
		GUID:      guid.New(guid.PrefixManifest),
		Version:   "1.0.0",
		Platforms: []string{types.PlatformLinuxAMD64},
		Checksum:  "4f2a8c1e9b7d3650e8c2a1f4b6d9073e5a8c1f2b4d6e9083a5c7e1f3b5d7092c",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}, 3)
	require.NoError(t, err)

	// With a manifest published, unverified agents are shut out.
	_, err = env.coord.Claim(agent)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnverifiedAgent, errdefs.KindOf(err))

	// Disabling attestation reopens the gate.
	env.coord.AllowUnverified()
	_, err = env.coord.Claim(agent)
	require.NoError(t, err)
}

func TestClaimOrderAndCapabilityFilter(t *testing.T) {
	env := newTestEnv(t)
	plain := env.addAgent(t, "plain", []string{"tool:photostats:1.0.0"}, nil)

	low, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats", Priority: 1})
	require.NoError(t, err)
	_, err = env.coord.CreateJob(env.tenant, &CreateJobInput{
		Tool:         "photostats",
		Priority:     9,
		RequiredCaps: []string{"tool:rawconvert:2.0.0"},
	})
	require.NoError(t, err)
	high, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats", Priority: 5})
	require.NoError(t, err)

	// Highest eligible priority wins even though an ineligible job outranks it.
	got, err := env.coord.Claim(plain)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.GUID, got.GUID)
	assert.Equal(t, types.JobStatusAssigned, got.Status)
	require.NotNil(t, got.AssignedAgent)
	assert.Equal(t, plain.ID, *got.AssignedAgent)

	got, err = env.coord.Claim(plain)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, low.GUID, got.GUID)

	// Nothing eligible remains.
	got, err = env.coord.Claim(plain)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimLocalFilesystemRoots(t *testing.T) {
	env := newTestEnv(t)
	photos := env.addCollection(t, "photos", "/photos/2024")
	archive := env.addCollection(t, "archive", "/photos-archive")

	tests := []struct {
		name  string
		roots []string
		col   *types.Collection
		want  bool
	}{
		{"under root", []string{"/photos"}, photos, true},
		{"exact root", []string{"/photos/2024"}, photos, true},
		{"filesystem root", []string{"/"}, photos, true},
		{"sibling prefix does not match", []string{"/photos"}, archive, false},
		{"no roots", nil, photos, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := env.addAgent(t, "fs-"+tt.name, []string{"local_filesystem"}, tt.roots)
			job, err := env.coord.CreateJob(env.tenant, &CreateJobInput{
				Tool:           "photostats",
				CollectionGUID: tt.col.GUID,
				RequiredCaps:   []string{"local_filesystem"},
			})
			require.NoError(t, err)

			got, err := env.coord.Claim(agent)
			require.NoError(t, err)
			if tt.want {
				require.NotNil(t, got)
				assert.Equal(t, job.GUID, got.GUID)
			} else {
				assert.Nil(t, got)
				// Drain so the next subtest starts with an empty queue.
				_, err := env.coord.Cancel(env.tenant, job.GUID)
				require.NoError(t, err)
			}
		})
	}
}

func TestClaimRaceSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	a1 := env.addAgent(t, "racer-1", nil, nil)
	a2 := env.addAgent(t, "racer-2", nil, nil)

	job, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*types.Job, 2)
	for i, agent := range []*types.Agent{a1, a2} {
		wg.Add(1)
		go func(i int, agent *types.Agent) {
			defer wg.Done()
			got, err := env.coord.Claim(agent)
			assert.NoError(t, err)
			results[i] = got
		}(i, agent)
	}
	wg.Wait()

	winners := 0
	for _, got := range results {
		if got != nil {
			winners++
			assert.Equal(t, job.GUID, got.GUID)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestCompleteVerifiesSignature(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "signer", nil, nil)

	_, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(agent)
	require.NoError(t, err)
	_, err = env.coord.Start(agent, job.GUID)
	require.NoError(t, err)

	result := json.RawMessage(`{"b":2,"a":1}`)

	_, err = env.coord.Complete(agent, job.GUID, &CompleteInput{
		Result:    result,
		Signature: "deadbeef",
	})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindResultSignatureInvalid, errdefs.KindOf(err))

	// The rejected report leaves the job running.
	current, err := env.coord.GetJob(env.tenant, job.GUID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, current.Status)

	sig, err := SignResult(job.SigningSecret, result)
	require.NoError(t, err)
	done, err := env.coord.Complete(agent, job.GUID, &CompleteInput{
		Result:    result,
		Signature: sig,
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, done.Status)
	require.NotNil(t, done.FinishedAt)
}

func TestCompleteNoChangeRecordsPriorResult(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "nochange", nil, nil)

	_, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(agent)
	require.NoError(t, err)

	done, err := env.coord.Complete(agent, job.GUID, &CompleteInput{
		NoChange:  true,
		PriorGUID: "res_prior",
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, done.Status)
	assert.Equal(t, "res_prior", done.ResultGUID)
}

func TestFailRetriesThenExhausts(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "failer", nil, nil)

	_, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats", RetryLimit: 2})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		job, err := env.coord.Claim(agent)
		require.NoError(t, err)
		require.NotNil(t, job)

		got, err := env.coord.Fail(agent, job.GUID, "tool crashed")
		require.NoError(t, err)
		assert.Equal(t, types.JobStatusPending, got.Status)
		assert.Equal(t, attempt, got.RetryCount)
		assert.Nil(t, got.AssignedAgent)
	}

	job, err := env.coord.Claim(agent)
	require.NoError(t, err)
	require.NotNil(t, job)

	got, err := env.coord.Fail(agent, job.GUID, "tool crashed again")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	assert.Equal(t, "tool crashed again", got.FailureMessage)
	require.NotNil(t, got.FinishedAt)
}

func TestCancelRunningThenLateCompletionDiscarded(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "cancelled", nil, nil)

	_, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(agent)
	require.NoError(t, err)
	_, err = env.coord.Start(agent, job.GUID)
	require.NoError(t, err)

	got, err := env.coord.Cancel(env.tenant, job.GUID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)

	// The agent missed the signal and reports success anyway. The report is
	// accepted, the payload discarded, the job stays cancelled.
	late, err := env.coord.Complete(agent, job.GUID, &CompleteInput{
		Result:    json.RawMessage(`{"files":12}`),
		Signature: "irrelevant",
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, late.Status)
	assert.Empty(t, late.ResultGUID)
}

func TestFailAfterCancelStaysSilent(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "late-failer", nil, nil)

	_, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(agent)
	require.NoError(t, err)
	_, err = env.coord.Start(agent, job.GUID)
	require.NoError(t, err)

	_, err = env.coord.Cancel(env.tenant, job.GUID)
	require.NoError(t, err)

	// Subscribe after the cancellation so only post-cancel events arrive.
	sub, err := env.coord.broker.Subscribe(broadcast.JobsChannel(env.tenant.GUID))
	require.NoError(t, err)
	defer env.coord.broker.Unsubscribe(sub)

	// A discarded late failure mutates nothing and announces nothing.
	got, err := env.coord.Fail(agent, job.GUID, "tool crashed after cancel")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
	assert.Zero(t, got.RetryCount)

	select {
	case payload := <-sub.C():
		t.Fatalf("unexpected event published for discarded failure: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelTerminalConflicts(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "done", nil, nil)

	_, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(agent)
	require.NoError(t, err)
	_, err = env.coord.Complete(agent, job.GUID, &CompleteInput{NoChange: true})
	require.NoError(t, err)

	_, err = env.coord.Cancel(env.tenant, job.GUID)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
}

func TestReleaseAgentJobsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "vanisher", nil, nil)

	_, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(agent)
	require.NoError(t, err)

	released, err := env.coord.ReleaseAgentJobs(agent.ID, "agent went offline")
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err := env.coord.GetJob(env.tenant, job.GUID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	released, err = env.coord.ReleaseAgentJobs(agent.ID, "agent went offline")
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestProgressOwnershipAndFanout(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addAgent(t, "owner", nil, nil)
	other := env.addAgent(t, "other", nil, nil)

	_, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(owner)
	require.NoError(t, err)

	sub, err := env.coord.broker.Subscribe(broadcast.JobChannel(job.GUID))
	require.NoError(t, err)
	defer env.coord.broker.Unsubscribe(sub)

	_, err = env.coord.Progress(other, job.GUID, json.RawMessage(`{"pct":10}`))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))

	_, err = env.coord.Progress(owner, job.GUID, json.RawMessage(`{"pct":40}`))
	require.NoError(t, err)

	select {
	case payload := <-sub.C():
		var event struct {
			Type string       `json:"type"`
			Job  *JobSnapshot `json:"job"`
		}
		require.NoError(t, json.Unmarshal(payload, &event))
		assert.Equal(t, "job.progress", event.Type)
		assert.JSONEq(t, `{"pct":40}`, string(event.Job.Progress))
	case <-time.After(time.Second):
		t.Fatal("no progress event received")
	}
}

func TestSnapshotOmitsSigningSecret(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)

	raw, err := json.Marshal(Snapshot(job))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), job.SigningSecret)
}

func TestPoolStatusCounts(t *testing.T) {
	env := newTestEnv(t)
	busy := env.addAgent(t, "busy", nil, nil)
	_, err := env.store.MutateAgent(busy.GUID, func(a *types.Agent) error {
		a.Status = types.AgentStatusBusy
		return nil
	})
	require.NoError(t, err)
	env.addAgent(t, "online", nil, nil)

	_, err = env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)

	ps, err := env.coord.PoolStatus(env.tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, ps.AgentsOnline)
	assert.Equal(t, 1, ps.AgentsBusy)
	assert.Equal(t, 1, ps.JobsPending)
	assert.Zero(t, ps.JobsRunning)
}

func TestDiscoverCamerasIdempotent(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.coord.DiscoverCameras(env.tenant, []string{"NIKON Z8 #8871", "SONY A7IV #1120"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	for _, cam := range first {
		assert.Equal(t, types.CameraStatusTemporary, cam.Status)
	}

	second, err := env.coord.DiscoverCameras(env.tenant, []string{"NIKON Z8 #8871", "FUJI X-T5 #0042"})
	require.NoError(t, err)
	assert.Len(t, second, 3)
}

func TestUploadSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	agent := env.addAgent(t, "uploader", nil, nil)

	_, err := env.coord.CreateJob(env.tenant, &CreateJobInput{Tool: "photostats"})
	require.NoError(t, err)
	job, err := env.coord.Claim(agent)
	require.NoError(t, err)

	token, err := env.coord.BeginUpload(agent, job.GUID)
	require.NoError(t, err)

	result := []byte(`{"files":120,"cameras":["NIKON Z8 #8871"]}`)
	require.NoError(t, env.coord.AppendUpload(agent, token, result[:20]))
	require.NoError(t, env.coord.AppendUpload(agent, token, result[20:]))

	sig, err := SignResult(job.SigningSecret, result)
	require.NoError(t, err)
	done, err := env.coord.FinalizeUpload(agent, token, sig)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, done.Status)

	// The session is gone after finalize.
	err = env.coord.AppendUpload(agent, token, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}
