/*
Package storage provides persistent state management for the ShutterSense
coordinator.

The Store interface is backed by bbolt, an embedded key/value database.
Entities are serialized as JSON and keyed by their external GUID in one
bucket per entity family; internal integer ids come from bucket sequences
and never leave the process boundary.

# Transactional discipline

bbolt admits one writer at a time, so every Update call is a fully
serialized transaction. The coordinator leans on this for its hardest
guarantees:

  - ClaimNextJob selects and assigns a pending job inside a single write
    transaction, so no two agents ever receive the same job.
  - AdmitAgent commits the SYSTEM user, the agent row, and the token
    consumption together; partial registration cannot be observed.
  - CreateManifest runs per-platform retention cleanup in the same
    transaction as the insert; a failed cleanup rolls back the create.
  - MutateAgent and MutateJob are read-modify-write guards that serialize
    heartbeats, sweeps, revokes, and job state transitions per row.

# Lookup strategy

Secondary lookups (by email, api-key hash, checksum) are linear bucket scans.
Fleet sizes the coordinator targets are in the hundreds of agents and
thousands of queued jobs, which scans handle comfortably; indexes can be
added as dedicated buckets if that stops being true.
*/
package storage
