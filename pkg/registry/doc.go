/*
Package registry implements agent admission for the ShutterSense
coordinator: registration tokens, the attested registration protocol, and
the release-manifest allowlist.

# Registration protocol

An admin mints a single-use registration token (plaintext returned exactly
once, only the SHA-256 hash stored). An agent submits the plaintext along
with its name, capabilities, authorized roots, version, binary checksum,
and platform. Admission then:

 1. Resolves the token by hash and rejects used or expired tokens.
 2. Attests the binary: if any release manifest exists, the submitted
    checksum must match an active manifest that lists the submitted
    platform. With zero manifests the deployment is in bootstrap mode and
    the check is skipped (agent admitted unverified).
 3. Mints the agent API key (fixed agt_key_ prefix), storing only the hash
    and a 16-character display prefix.
 4. Creates the agent's SYSTEM user, the agent record (initially OFFLINE),
    and consumes the token, all in one transaction.

A failed attestation leaves the token fresh so the operator can retry with
a corrected binary.

# Manifest retention

Creating a manifest runs retention in the same transaction: for each
platform the new manifest advertises, only the three most recent manifests
supporting that platform survive; older ones are deleted with their
artifacts cascaded.
*/
package registry
