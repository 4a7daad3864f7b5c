/*
Package types defines the core data structures used throughout the
ShutterSense coordinator.

This package contains all fundamental types that represent the coordinator's
domain model, including tenants, users, agents, jobs, registration tokens,
release manifests, API tokens, connectors, collections, and cameras. These
types are used by all other packages for state management, API communication,
and fleet coordination logic.

# Architecture

The types package is the foundation of the coordinator's data model. It
defines:

  - Tenancy (tenants, human and system users)
  - Agent admission (registration tokens, release manifests, artifacts)
  - Execution capacity (agents, capability strings, authorized roots)
  - Work dispatch (jobs, job status state machine, retry accounting)
  - Programmatic access (JWT-backed API tokens)
  - Photo sources (connectors, collections, discovered cameras)

All types are designed to be:

  - Serializable (JSON for storage and wire payloads)
  - Tenant-scoped (every owned entity carries a tenant id)
  - Externally opaque (callers see prefixed GUIDs, never integer ids)

# Identity

Every entity carries two identifiers: an internal uint64 id assigned by the
storage layer and an external GUID of the form <prefix>_<26-char sortable
id>. The integer id never appears in APIs; cross-tenant GUID lookups must
fail as not-found to avoid existence leaks.

# State machines

AgentStatus and JobStatus are the two state machines driven by the liveness
tracker and the job coordinator respectively. Revoked agents and terminal
jobs (completed, failed, cancelled) never transition again.
*/
package types
