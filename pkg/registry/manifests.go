package registry

import (
	"regexp"
	"strings"
	"time"

	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/guid"
	"github.com/shuttersense/shuttersense/pkg/types"
)

// manifestRetainPerPlatform is how many manifests survive retention for each
// platform a newly created manifest advertises.
const manifestRetainPerPlatform = 3

var (
	checksumHex      = regexp.MustCompile(`^[a-f0-9]{64}$`)
	artifactChecksum = regexp.MustCompile(`^(sha256:)?[a-f0-9]{64}$`)
)

// ManifestInput is the admin-submitted manifest payload.
type ManifestInput struct {
	Version   string   `json:"version"`
	Platforms []string `json:"platforms"`
	Checksum  string   `json:"checksum"`
	Active    bool     `json:"active"`
	Notes     string   `json:"notes"`
}

// CreateManifest validates and stores a release-manifest allowlist entry.
// Retention runs in the same transaction as the insert: for each platform
// the new manifest advertises, only the three most recent supporters remain.
func (s *Service) CreateManifest(in *ManifestInput) (*types.ReleaseManifest, error) {
	if strings.TrimSpace(in.Version) == "" {
		return nil, errdefs.New(errdefs.KindValidation, "version is required")
	}
	if !checksumHex.MatchString(in.Checksum) {
		return nil, errdefs.New(errdefs.KindValidation, "checksum must be 64 lowercase hex characters")
	}
	if len(in.Platforms) == 0 {
		return nil, errdefs.New(errdefs.KindValidation, "at least one platform is required")
	}
	for _, p := range in.Platforms {
		if !knownPlatform(p) {
			return nil, errdefs.Newf(errdefs.KindValidation, "unknown platform %q", p)
		}
	}

	m := &types.ReleaseManifest{
		GUID:      guid.New(guid.PrefixManifest),
		Version:   in.Version,
		Platforms: in.Platforms,
		Checksum:  in.Checksum,
		Active:    in.Active,
		Notes:     in.Notes,
		CreatedAt: time.Now().UTC(),
	}

	deleted, err := s.store.CreateManifest(m, manifestRetainPerPlatform)
	if err != nil {
		return nil, err
	}
	if len(deleted) > 0 {
		s.logger.Info().
			Str("manifest_id", m.GUID).
			Strs("retired", deleted).
			Msg("retention retired older manifests")
	}
	return m, nil
}

// GetManifest returns one manifest with its artifacts.
func (s *Service) GetManifest(manifestGUID string) (*types.ReleaseManifest, []*types.ReleaseArtifact, error) {
	m, err := s.store.GetManifestByGUID(manifestGUID)
	if err != nil {
		return nil, nil, err
	}
	artifacts, err := s.store.ListArtifactsByManifest(m.ID)
	if err != nil {
		return nil, nil, err
	}
	return m, artifacts, nil
}

// ListManifests returns all manifests, newest first.
func (s *Service) ListManifests() ([]*types.ReleaseManifest, error) {
	return s.store.ListManifests()
}

// ManifestPatch updates the mutable manifest fields.
type ManifestPatch struct {
	Active *bool   `json:"active"`
	Notes  *string `json:"notes"`
}

// PatchManifest applies a partial update. Version, platforms, and checksum
// are immutable after creation; publish a new manifest instead.
func (s *Service) PatchManifest(manifestGUID string, patch *ManifestPatch) (*types.ReleaseManifest, error) {
	m, err := s.store.GetManifestByGUID(manifestGUID)
	if err != nil {
		return nil, err
	}
	if patch.Active != nil {
		m.Active = *patch.Active
	}
	if patch.Notes != nil {
		m.Notes = *patch.Notes
	}
	if err := s.store.UpdateManifest(m); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteManifest removes a manifest, cascading to its artifacts.
func (s *Service) DeleteManifest(manifestGUID string) error {
	return s.store.DeleteManifest(manifestGUID)
}

// ArtifactInput is the admin-submitted artifact payload.
type ArtifactInput struct {
	Platform  string `json:"platform"`
	Filename  string `json:"filename"`
	Checksum  string `json:"checksum"`
	SizeBytes int64  `json:"size_bytes"`
}

// AddArtifact attaches a downloadable binary to a manifest. (manifest,
// platform) is unique; filenames must not carry path separators.
func (s *Service) AddArtifact(manifestGUID string, in *ArtifactInput) (*types.ReleaseArtifact, error) {
	m, err := s.store.GetManifestByGUID(manifestGUID)
	if err != nil {
		return nil, err
	}
	if !knownPlatform(in.Platform) {
		return nil, errdefs.Newf(errdefs.KindValidation, "unknown platform %q", in.Platform)
	}
	if in.Filename == "" || strings.ContainsAny(in.Filename, "/\\") {
		return nil, errdefs.New(errdefs.KindValidation, "filename must be a bare name without path separators")
	}
	if !artifactChecksum.MatchString(in.Checksum) {
		return nil, errdefs.New(errdefs.KindValidation, "checksum must be [sha256:]<64 hex>")
	}

	a := &types.ReleaseArtifact{
		GUID:       guid.New(guid.PrefixManifest),
		ManifestID: m.ID,
		Platform:   in.Platform,
		Filename:   in.Filename,
		Checksum:   in.Checksum,
		SizeBytes:  in.SizeBytes,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateArtifact(a); err != nil {
		return nil, err
	}
	return a, nil
}
