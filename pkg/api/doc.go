/*
Package api is the coordinator's HTTP surface.

Three route groups share one mux router: the agent API under /api/agent/v1
(API-key auth, JSON, registration being the one unauthenticated route), the
tenant API under /api/v1 (sessions and API tokens, scoped to their own
tenant), and the admin API under /api/admin (session plus the super-admin
allowlist; API tokens never qualify). Websocket streams at /ws/pool and
/ws/jobs fan out the broadcaster's payloads to session holders.

Errors cross the boundary as {"detail": string} with the HTTP status
carrying the error kind; internal causes are logged server-side and never
echoed. Claim responses are 204 when no work is available.
*/
package api
