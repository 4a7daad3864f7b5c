/*
Package errdefs defines the domain error kinds the coordinator distinguishes
and their translation to the REST surface.

Components raise *errdefs.Error values internally (registration failures,
attestation rejections, auth failures, conflicts). The API layer calls
KindOf/Detail/HTTPStatus at the boundary to produce {detail: string} bodies
with the right status code. Internal causes are wrapped for logging but are
never echoed to clients. Cross-tenant lookups are reported as not_found,
never as a privilege error, to avoid existence leaks.
*/
package errdefs
