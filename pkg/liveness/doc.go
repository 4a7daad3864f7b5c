/*
Package liveness tracks agent health. Agents heartbeat every 30 seconds;
the tracker records the server's clock against each report so agent clock
skew is irrelevant. A background sweep runs every 30 seconds and marks any
agent silent for more than 90 seconds as OFFLINE, returning its in-flight
jobs to the queue with retry accounting. Graceful disconnects take the
same path without waiting for the timeout, and revocation is the terminal
state an agent never heartbeats out of.
*/
package liveness
