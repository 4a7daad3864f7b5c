/*
Package coordinator implements the job lifecycle for the ShutterSense agent
fleet: creation, the atomic pull-based claim, progress relay, completion
with result-signature verification, failure with retry accounting,
cancellation, and the release of jobs held by vanished agents.

# Claiming

Agents pull work; the server never pushes. A claim scans the tenant's
pending jobs in (priority descending, creation time ascending) order and
assigns the first job the agent is eligible for, inside a single write
transaction, so no two agents ever receive the same job. Eligibility is
capability subset matching, plus an authorized-roots path check for jobs
that read the agent's local filesystem. Unverified agents cannot claim.

# Results

Each job carries a signing secret minted at creation and revealed only to
the claiming agent. Terminal success reports are verified as HMAC-SHA256
over the key-sorted canonical JSON of the result; a bad signature rejects
the report and leaves the job running. A completion that arrives after
cancellation is accepted and its payload discarded, so an agent that missed
the cancellation signal still terminates cleanly.
*/
package coordinator
