/*
Package broadcast provides channel-based fan-out of pool and job state to
subscribed observers.

The Broker manages named channels: per-tenant pool-status and all-jobs
channels, plus per-job channels that exist for the lifetime of an observer's
interest. The originating component (liveness tracker or job coordinator)
computes the public JSON payload once and hands it to Publish, which
delivers it to every subscriber of the channel in publish order. Across
channels no ordering is guaranteed.

Publishing never blocks a request handler: the subscriber-set lock is held
only to snapshot the set, each per-subscriber write is bounded by a short
timeout, and a subscriber that exceeds it is dropped so the payload is not
lost for the others. Subscriber sets are bounded per channel; Subscribe
beyond the cap is rejected and surfaces as 503 at the REST boundary.
*/
package broadcast
