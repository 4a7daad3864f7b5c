/*
Package auth is the credential gate in front of the API. Three credential
shapes are recognized: agent API keys (fixed prefix, SHA-256 hash lookup),
API-token JWTs (HS256, revalidated against the stored row so revocation is
immediate), and browser session cookies. Admin privilege is granted only to
session users whose email hash appears in the operator allowlist; agent and
API-token contexts can never be admin. Repeated JWT failures from one
address are rate limited with a warn threshold at 5 and a block at 20 per
five-minute window.
*/
package auth
