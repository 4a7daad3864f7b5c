/*
Package agent is the worker runtime that runs on user hardware: a small
YAML config with the agent's credentials, an HTTP client for the
coordinator's agent API, a heartbeat loop (30s with jitter), and a claim
loop that polls for work with backoff and dispatches claimed jobs to
registered tools. Results are signed with the per-job secret before
submission. On revocation the runtime stops permanently; on clean shutdown
it sends a disconnect so the coordinator releases state immediately.
*/
package agent
