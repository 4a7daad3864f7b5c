package storage

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/types"
)

var (
	// Bucket names
	bucketTenants     = []byte("tenants")
	bucketUsers       = []byte("users")
	bucketRegTokens   = []byte("registration_tokens")
	bucketManifests   = []byte("release_manifests")
	bucketArtifacts   = []byte("release_artifacts")
	bucketAgents      = []byte("agents")
	bucketJobs        = []byte("jobs")
	bucketApiTokens   = []byte("api_tokens")
	bucketConnectors  = []byte("connectors")
	bucketCollections = []byte("collections")
	bucketCameras     = []byte("cameras")
)

// BoltStore implements Store using bbolt. Entities are stored as JSON keyed
// by their external GUID; internal integer ids come from bucket sequences.
// bbolt admits a single writer at a time, so every Update call below is a
// serialized transaction: the "row lock" the coordinator's ordering
// guarantees rely on.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the coordinator database in dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "shuttersense.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "failed to open database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTenants,
			bucketUsers,
			bucketRegTokens,
			bucketManifests,
			bucketArtifacts,
			bucketAgents,
			bucketJobs,
			bucketApiTokens,
			bucketConnectors,
			bucketCollections,
			bucketCameras,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "failed to create buckets")
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func nextID(b *bolt.Bucket) (uint64, error) {
	return b.NextSequence()
}

// --- Tenants ---

func (s *BoltStore) CreateTenant(tenant *types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if err := b.ForEach(func(k, v []byte) error {
			var existing types.Tenant
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == tenant.Name {
				return errdefs.Newf(errdefs.KindConflict, "team %q already exists", tenant.Name)
			}
			return nil
		}); err != nil {
			return err
		}
		id, err := nextID(b)
		if err != nil {
			return err
		}
		tenant.ID = id
		return put(b, tenant.GUID, tenant)
	})
}

func (s *BoltStore) GetTenant(id uint64) (*types.Tenant, error) {
	var found *types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var t types.Tenant
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.ID == id {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.New(errdefs.KindNotFound, "team not found")
	}
	return found, nil
}

func (s *BoltStore) GetTenantByGUID(guid string) (*types.Tenant, error) {
	var tenant types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "team not found")
		}
		return json.Unmarshal(data, &tenant)
	})
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *BoltStore) ListTenants() ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var t types.Tenant
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tenants = append(tenants, &t)
			return nil
		})
	})
	return tenants, err
}

func (s *BoltStore) SetTenantActive(guid string, active bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		data := b.Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "team not found")
		}
		var t types.Tenant
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		t.Active = active
		return put(b, t.GUID, &t)
	})
}

// --- Users ---

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if err := checkEmailFree(b, user.Email); err != nil {
			return err
		}
		id, err := nextID(b)
		if err != nil {
			return err
		}
		user.ID = id
		return put(b, user.GUID, user)
	})
}

func checkEmailFree(b *bolt.Bucket, email string) error {
	return b.ForEach(func(k, v []byte) error {
		var u types.User
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		if u.Email == email {
			return errdefs.Newf(errdefs.KindConflict, "email %q already registered", email)
		}
		return nil
	})
}

func (s *BoltStore) GetUser(id uint64) (*types.User, error) {
	var found *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if u.ID == id {
				found = &u
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.New(errdefs.KindNotFound, "user not found")
	}
	return found, nil
}

func (s *BoltStore) GetUserByEmail(email string) (*types.User, error) {
	email = strings.ToLower(email)
	var found *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if u.Email == email {
				found = &u
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.New(errdefs.KindNotFound, "user not found")
	}
	return found, nil
}

func (s *BoltStore) ListUsersByTenant(tenantID uint64) ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if u.TenantID == tenantID {
				users = append(users, &u)
			}
			return nil
		})
	})
	return users, err
}

// --- Registration tokens ---

func (s *BoltStore) CreateRegistrationToken(token *types.RegistrationToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegTokens)
		id, err := nextID(b)
		if err != nil {
			return err
		}
		token.ID = id
		return put(b, token.GUID, token)
	})
}

func (s *BoltStore) GetRegistrationTokenByHash(secretHash string) (*types.RegistrationToken, error) {
	var found *types.RegistrationToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegTokens).ForEach(func(k, v []byte) error {
			var t types.RegistrationToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.SecretHash == secretHash {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.New(errdefs.KindInvalidToken, "registration token not recognized")
	}
	return found, nil
}

func (s *BoltStore) GetRegistrationTokenByGUID(guid string) (*types.RegistrationToken, error) {
	var token types.RegistrationToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRegTokens).Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "registration token not found")
		}
		return json.Unmarshal(data, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) ListRegistrationTokensByTenant(tenantID uint64) ([]*types.RegistrationToken, error) {
	var tokens []*types.RegistrationToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegTokens).ForEach(func(k, v []byte) error {
			var t types.RegistrationToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.TenantID == tenantID {
				tokens = append(tokens, &t)
			}
			return nil
		})
	})
	return tokens, err
}

func (s *BoltStore) DeleteRegistrationToken(guid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegTokens)
		if b.Get([]byte(guid)) == nil {
			return errdefs.New(errdefs.KindNotFound, "registration token not found")
		}
		return b.Delete([]byte(guid))
	})
}

// AdmitAgent runs the registration commit as one transaction: SYSTEM user,
// agent row, and token consumption all land together or not at all.
func (s *BoltStore) AdmitAgent(tokenGUID string, sysUser *types.User, agent *types.Agent, usedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketRegTokens)
		data := tokens.Get([]byte(tokenGUID))
		if data == nil {
			return errdefs.New(errdefs.KindInvalidToken, "registration token not recognized")
		}
		var token types.RegistrationToken
		if err := json.Unmarshal(data, &token); err != nil {
			return err
		}
		// Re-check under the write transaction: two concurrent registrations
		// with the same token must not both succeed.
		if token.Used() {
			return errdefs.New(errdefs.KindTokenUsed, "registration token already used")
		}
		if token.Expired(usedAt) {
			return errdefs.New(errdefs.KindTokenExpired, "registration token expired")
		}

		users := tx.Bucket(bucketUsers)
		if err := checkEmailFree(users, sysUser.Email); err != nil {
			return err
		}
		uid, err := nextID(users)
		if err != nil {
			return err
		}
		sysUser.ID = uid
		if err := put(users, sysUser.GUID, sysUser); err != nil {
			return err
		}

		agents := tx.Bucket(bucketAgents)
		if err := agents.ForEach(func(k, v []byte) error {
			var existing types.Agent
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.TenantID == agent.TenantID && existing.Name == agent.Name {
				return errdefs.Newf(errdefs.KindConflict, "agent %q already exists in this team", agent.Name)
			}
			return nil
		}); err != nil {
			return err
		}
		aid, err := nextID(agents)
		if err != nil {
			return err
		}
		agent.ID = aid
		agent.SystemUserID = sysUser.ID
		if err := put(agents, agent.GUID, agent); err != nil {
			return err
		}

		token.UsedAt = &usedAt
		token.AgentID = &agent.ID
		return put(tokens, token.GUID, &token)
	})
}

// --- Release manifests ---

// CreateManifest inserts the manifest and runs per-platform retention in the
// same transaction: a failed cleanup rolls back the create. Returns the GUIDs
// of manifests deleted by retention.
func (s *BoltStore) CreateManifest(m *types.ReleaseManifest, keepPerPlatform int) ([]string, error) {
	var deleted []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)

		var all []*types.ReleaseManifest
		if err := b.ForEach(func(k, v []byte) error {
			var existing types.ReleaseManifest
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Version == m.Version && existing.Checksum == m.Checksum {
				return errdefs.Newf(errdefs.KindConflict, "manifest for version %q with this checksum already exists", m.Version)
			}
			all = append(all, &existing)
			return nil
		}); err != nil {
			return err
		}

		id, err := nextID(b)
		if err != nil {
			return err
		}
		m.ID = id
		if err := put(b, m.GUID, m); err != nil {
			return err
		}
		all = append(all, m)

		// Per-platform retention over the platforms the new manifest
		// advertises: most recent keepPerPlatform supporters survive.
		doomed := make(map[string]*types.ReleaseManifest)
		for _, platform := range m.Platforms {
			var supporters []*types.ReleaseManifest
			for _, candidate := range all {
				if candidate.SupportsPlatform(platform) {
					supporters = append(supporters, candidate)
				}
			}
			sort.Slice(supporters, func(i, j int) bool {
				if !supporters[i].CreatedAt.Equal(supporters[j].CreatedAt) {
					return supporters[i].CreatedAt.After(supporters[j].CreatedAt)
				}
				return supporters[i].GUID > supporters[j].GUID
			})
			for _, old := range supporters[min(keepPerPlatform, len(supporters)):] {
				doomed[old.GUID] = old
			}
		}

		for guid, old := range doomed {
			if err := b.Delete([]byte(guid)); err != nil {
				return err
			}
			if err := deleteArtifactsOf(tx, old.ID); err != nil {
				return err
			}
			deleted = append(deleted, guid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func deleteArtifactsOf(tx *bolt.Tx, manifestID uint64) error {
	b := tx.Bucket(bucketArtifacts)
	var keys [][]byte
	if err := b.ForEach(func(k, v []byte) error {
		var a types.ReleaseArtifact
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		if a.ManifestID == manifestID {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) GetManifestByGUID(guid string) (*types.ReleaseManifest, error) {
	var m types.ReleaseManifest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketManifests).Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "release manifest not found")
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) ListManifests() ([]*types.ReleaseManifest, error) {
	var manifests []*types.ReleaseManifest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).ForEach(func(k, v []byte) error {
			var m types.ReleaseManifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			manifests = append(manifests, &m)
			return nil
		})
	})
	return manifests, err
}

func (s *BoltStore) UpdateManifest(m *types.ReleaseManifest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)
		if b.Get([]byte(m.GUID)) == nil {
			return errdefs.New(errdefs.KindNotFound, "release manifest not found")
		}
		return put(b, m.GUID, m)
	})
}

func (s *BoltStore) DeleteManifest(guid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)
		data := b.Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "release manifest not found")
		}
		var m types.ReleaseManifest
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if err := b.Delete([]byte(guid)); err != nil {
			return err
		}
		return deleteArtifactsOf(tx, m.ID)
	})
}

func (s *BoltStore) CountManifests() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketManifests).Stats().KeyN
		return nil
	})
	return count, err
}

func (s *BoltStore) FindActiveManifestByChecksum(checksum string) (*types.ReleaseManifest, error) {
	var found *types.ReleaseManifest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).ForEach(func(k, v []byte) error {
			var m types.ReleaseManifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Active && m.Checksum == checksum {
				found = &m
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.New(errdefs.KindNotFound, "no active manifest with this checksum")
	}
	return found, nil
}

// --- Release artifacts ---

func (s *BoltStore) CreateArtifact(a *types.ReleaseArtifact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		if err := b.ForEach(func(k, v []byte) error {
			var existing types.ReleaseArtifact
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.ManifestID == a.ManifestID && existing.Platform == a.Platform {
				return errdefs.Newf(errdefs.KindConflict, "artifact for platform %q already exists on this manifest", a.Platform)
			}
			return nil
		}); err != nil {
			return err
		}
		id, err := nextID(b)
		if err != nil {
			return err
		}
		a.ID = id
		return put(b, a.GUID, a)
	})
}

func (s *BoltStore) ListArtifactsByManifest(manifestID uint64) ([]*types.ReleaseArtifact, error) {
	var artifacts []*types.ReleaseArtifact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			var a types.ReleaseArtifact
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ManifestID == manifestID {
				artifacts = append(artifacts, &a)
			}
			return nil
		})
	})
	return artifacts, err
}

// --- Agents ---

func (s *BoltStore) GetAgent(id uint64) (*types.Agent, error) {
	var found *types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var a types.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ID == id {
				found = &a
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.New(errdefs.KindNotFound, "agent not found")
	}
	return found, nil
}

func (s *BoltStore) GetAgentByGUID(guid string) (*types.Agent, error) {
	var agent types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "agent not found")
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) GetAgentByAPIKeyHash(keyHash string) (*types.Agent, error) {
	var found *types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var a types.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.APIKeyHash == keyHash {
				found = &a
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.New(errdefs.KindUnauthenticated, "unknown api key")
	}
	return found, nil
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var a types.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			agents = append(agents, &a)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) ListAgentsByTenant(tenantID uint64) ([]*types.Agent, error) {
	agents, err := s.ListAgents()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Agent
	for _, a := range agents {
		if a.TenantID == tenantID {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteAgent(guid string) error {
	// The SYSTEM user is intentionally left in place for the audit trail.
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		if b.Get([]byte(guid)) == nil {
			return errdefs.New(errdefs.KindNotFound, "agent not found")
		}
		return b.Delete([]byte(guid))
	})
}

func (s *BoltStore) MutateAgent(guid string, fn func(*types.Agent) error) (*types.Agent, error) {
	var agent types.Agent
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data := b.Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "agent not found")
		}
		if err := json.Unmarshal(data, &agent); err != nil {
			return err
		}
		if err := fn(&agent); err != nil {
			return err
		}
		return put(b, agent.GUID, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// --- Jobs ---

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		id, err := nextID(b)
		if err != nil {
			return err
		}
		job.ID = id
		return put(b, job.GUID, job)
	})
}

func (s *BoltStore) GetJob(id uint64) (*types.Job, error) {
	var found *types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.ID == id {
				found = &j
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.New(errdefs.KindNotFound, "job not found")
	}
	return found, nil
}

func (s *BoltStore) GetJobByGUID(guid string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "job not found")
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobsByTenant(tenantID uint64) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.TenantID == tenantID {
				jobs = append(jobs, &j)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListActiveJobsByAgent(agentID uint64) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.AssignedAgent != nil && *j.AssignedAgent == agentID &&
				(j.Status == types.JobStatusAssigned || j.Status == types.JobStatusRunning) {
				jobs = append(jobs, &j)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) MutateJob(guid string, fn func(*types.Job) error) (*types.Job, error) {
	var job types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "job not found")
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if err := fn(&job); err != nil {
			return err
		}
		return put(b, job.GUID, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ClaimNextJob(tenantID, agentID uint64, limit int, now time.Time, eligible func(*types.Job) bool) (*types.Job, error) {
	var claimed *types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)

		var pending []*types.Job
		if err := b.ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.TenantID == tenantID && j.Status == types.JobStatusPending {
				pending = append(pending, &j)
			}
			return nil
		}); err != nil {
			return err
		}

		sort.Slice(pending, func(i, j int) bool {
			if pending[i].Priority != pending[j].Priority {
				return pending[i].Priority > pending[j].Priority
			}
			if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
				return pending[i].CreatedAt.Before(pending[j].CreatedAt)
			}
			return pending[i].GUID < pending[j].GUID
		})

		if limit > 0 && len(pending) > limit {
			pending = pending[:limit]
		}

		for _, candidate := range pending {
			if !eligible(candidate) {
				continue
			}
			// The candidate was read in this same write transaction, so the
			// PENDING guard cannot race with another claimer.
			candidate.Status = types.JobStatusAssigned
			candidate.AssignedAgent = &agentID
			candidate.ClaimedAt = &now
			if err := put(b, candidate.GUID, candidate); err != nil {
				return err
			}
			claimed = candidate
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// --- API tokens ---

func (s *BoltStore) CreateApiToken(t *types.ApiToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApiTokens)
		id, err := nextID(b)
		if err != nil {
			return err
		}
		t.ID = id
		return put(b, t.GUID, t)
	})
}

func (s *BoltStore) GetApiTokenByHash(tokenHash string) (*types.ApiToken, error) {
	var found *types.ApiToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApiTokens).ForEach(func(k, v []byte) error {
			var t types.ApiToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.TokenHash == tokenHash {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.New(errdefs.KindUnauthenticated, "unknown api token")
	}
	return found, nil
}

func (s *BoltStore) GetApiTokenByGUID(guid string) (*types.ApiToken, error) {
	var token types.ApiToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketApiTokens).Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "api token not found")
		}
		return json.Unmarshal(data, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) ListApiTokensByTenant(tenantID uint64) ([]*types.ApiToken, error) {
	var tokens []*types.ApiToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApiTokens).ForEach(func(k, v []byte) error {
			var t types.ApiToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.TenantID == tenantID {
				tokens = append(tokens, &t)
			}
			return nil
		})
	})
	return tokens, err
}

func (s *BoltStore) UpdateApiToken(t *types.ApiToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApiTokens)
		if b.Get([]byte(t.GUID)) == nil {
			return errdefs.New(errdefs.KindNotFound, "api token not found")
		}
		return put(b, t.GUID, t)
	})
}

func (s *BoltStore) DeleteApiToken(guid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApiTokens)
		if b.Get([]byte(guid)) == nil {
			return errdefs.New(errdefs.KindNotFound, "api token not found")
		}
		return b.Delete([]byte(guid))
	})
}

// --- Connectors ---

func (s *BoltStore) CreateConnector(c *types.Connector) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnectors)
		id, err := nextID(b)
		if err != nil {
			return err
		}
		c.ID = id
		return put(b, c.GUID, c)
	})
}

func (s *BoltStore) GetConnectorByGUID(guid string) (*types.Connector, error) {
	var c types.Connector
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConnectors).Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "connector not found")
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListConnectorsByTenant(tenantID uint64) ([]*types.Connector, error) {
	var connectors []*types.Connector
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConnectors).ForEach(func(k, v []byte) error {
			var c types.Connector
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.TenantID == tenantID {
				connectors = append(connectors, &c)
			}
			return nil
		})
	})
	return connectors, err
}

func (s *BoltStore) DeleteConnector(guid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnectors)
		if b.Get([]byte(guid)) == nil {
			return errdefs.New(errdefs.KindNotFound, "connector not found")
		}
		return b.Delete([]byte(guid))
	})
}

// --- Collections ---

func (s *BoltStore) CreateCollection(c *types.Collection) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCollections)
		id, err := nextID(b)
		if err != nil {
			return err
		}
		c.ID = id
		return put(b, c.GUID, c)
	})
}

func (s *BoltStore) GetCollection(id uint64) (*types.Collection, error) {
	var found *types.Collection
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCollections).ForEach(func(k, v []byte) error {
			var c types.Collection
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.ID == id {
				found = &c
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.New(errdefs.KindNotFound, "collection not found")
	}
	return found, nil
}

func (s *BoltStore) GetCollectionByGUID(guid string) (*types.Collection, error) {
	var c types.Collection
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCollections).Get([]byte(guid))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, "collection not found")
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListCollectionsByTenant(tenantID uint64) ([]*types.Collection, error) {
	var collections []*types.Collection
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCollections).ForEach(func(k, v []byte) error {
			var c types.Collection
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.TenantID == tenantID {
				collections = append(collections, &c)
			}
			return nil
		})
	})
	return collections, err
}

// --- Cameras ---

func (s *BoltStore) UpsertCameras(tenantID uint64, guidFor func() string, identifiers []string) ([]*types.Camera, error) {
	var result []*types.Camera
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCameras)

		existing := make(map[string]*types.Camera)
		if err := b.ForEach(func(k, v []byte) error {
			var c types.Camera
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.TenantID == tenantID {
				existing[c.Identifier] = &c
			}
			return nil
		}); err != nil {
			return err
		}

		for _, ident := range identifiers {
			if c, ok := existing[ident]; ok {
				result = append(result, c)
				continue
			}
			id, err := nextID(b)
			if err != nil {
				return err
			}
			c := &types.Camera{
				ID:         id,
				GUID:       guidFor(),
				TenantID:   tenantID,
				Identifier: ident,
				Status:     types.CameraStatusTemporary,
				CreatedAt:  time.Now().UTC(),
			}
			if err := put(b, c.GUID, c); err != nil {
				return err
			}
			existing[ident] = c
			result = append(result, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
