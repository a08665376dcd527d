// Package probe measures reachability and latency of candidate servers.
//
// # Modes
//
//   - raw_tcp: TCP connect time to the server itself.
//   - tunneled_tcp: connect to the local HTTP proxy listener of a running
//     runtime and issue "CONNECT host:port"; only a 2xx status line counts.
//   - tunneled_http: GET a lightweight URL through the local HTTP proxy; only
//     200 and 204 count. Retries keep the fastest successful attempt.
//
// # Semantics
//
// Probes never return errors. Every failure path collapses to Failure (-1)
// so callers can render "unreachable" without error handling. Each attempt
// runs under its own timeout; a cancelled context aborts between retries and
// marks the Result as Cancelled so callers can skip stats updates.
//
// Pool bounds the number of in-flight probes for on-demand batches; excess
// jobs wait for a free slot instead of spawning unbounded goroutines.
package probe
