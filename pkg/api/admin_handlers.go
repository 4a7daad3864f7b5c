package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/shuttersense/shuttersense/pkg/auth"
	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/guid"
	"github.com/shuttersense/shuttersense/pkg/registry"
	"github.com/shuttersense/shuttersense/pkg/types"
)

func (s *Server) handleCreateManifest(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in registry.ManifestInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.registry.CreateManifest(&in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, manifestView(m))
}

func (s *Server) handleListManifests(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	manifests, err := s.registry.ListManifests()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(manifests))
	for _, m := range manifests {
		out = append(out, manifestView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"manifests": out})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	m, artifacts, err := s.registry.GetManifest(mux.Vars(r)["guid"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := manifestView(m)
	arts := make([]map[string]any, 0, len(artifacts))
	for _, a := range artifacts {
		arts = append(arts, map[string]any{
			"guid":       a.GUID,
			"platform":   a.Platform,
			"filename":   a.Filename,
			"checksum":   a.Checksum,
			"size_bytes": a.SizeBytes,
		})
	}
	view["artifacts"] = arts
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePatchManifest(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var patch registry.ManifestPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.registry.PatchManifest(mux.Vars(r)["guid"], &patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, manifestView(m))
}

func (s *Server) handleDeleteManifest(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	if err := s.registry.DeleteManifest(mux.Vars(r)["guid"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddArtifact(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in registry.ArtifactInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.registry.AddArtifact(mux.Vars(r)["guid"], &in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"guid":     a.GUID,
		"platform": a.Platform,
		"filename": a.Filename,
	})
}

func manifestView(m *types.ReleaseManifest) map[string]any {
	return map[string]any{
		"guid":       m.GUID,
		"version":    m.Version,
		"platforms":  m.Platforms,
		"checksum":   m.Checksum,
		"active":     m.Active,
		"notes":      m.Notes,
		"created_at": m.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in struct {
		Name       string `json:"name"`
		AdminEmail string `json:"admin_email"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		s.writeError(w, r, errdefs.New(errdefs.KindValidation, "name is required"))
		return
	}

	now := time.Now().UTC()
	tenant := &types.Tenant{
		GUID:      guid.New(guid.PrefixTenant),
		Name:      in.Name,
		Active:    true,
		CreatedAt: now,
	}
	if err := s.store.CreateTenant(tenant); err != nil {
		s.writeError(w, r, err)
		return
	}

	if in.AdminEmail != "" {
		user := &types.User{
			GUID:      guid.New(guid.PrefixUser),
			TenantID:  tenant.ID,
			Email:     strings.ToLower(in.AdminEmail),
			Kind:      types.UserKindHuman,
			Status:    types.UserStatusActive,
			Active:    true,
			CreatedAt: now,
		}
		if err := s.store.CreateUser(user); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"guid": tenant.GUID, "name": tenant.Name})
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	tenants, err := s.store.ListTenants()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, map[string]any{
			"guid":   t.GUID,
			"name":   t.Name,
			"active": t.Active,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": out})
}

// handleDeactivateTeam blocks login and agent auth for the team. Records
// are preserved; teams are never destroyed.
func (s *Server) handleDeactivateTeam(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	if err := s.store.SetTenantActive(mux.Vars(r)["guid"], false); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRegToken(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in struct {
		Name        string `json:"name"`
		ExpiryHours int    `json:"expiry_hours"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	plaintext, token, err := s.registry.CreateToken(ctx.Tenant, ctx.User, in.Name, in.ExpiryHours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The plaintext token appears here exactly once.
	writeJSON(w, http.StatusCreated, map[string]string{
		"guid":       token.GUID,
		"name":       token.Name,
		"token":      plaintext,
		"expires_at": token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListRegTokens(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	tokens, err := s.registry.ListTokens(ctx.Tenant.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, map[string]any{
			"guid":       t.GUID,
			"name":       t.Name,
			"used":       t.Used(),
			"expires_at": t.ExpiresAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

func (s *Server) handleDeleteRegToken(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	if err := s.registry.DeleteToken(ctx.Tenant.ID, mux.Vars(r)["guid"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(in.Reason) == "" {
		s.writeError(w, r, errdefs.New(errdefs.KindValidation, "reason is required"))
		return
	}
	agent, err := s.tracker.Revoke(ctx.Tenant, mux.Vars(r)["guid"], in.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"guid":   agent.GUID,
		"status": string(agent.Status),
	})
}
