/*
Package metrics provides Prometheus metrics collection and HTTP exposition
for the AWCP delegator and executor daemons, plus a lightweight component
health registry backing the /health, /ready, and /live endpoints.

Each daemon process owns a private prometheus.Registry (via NewRegistry)
rather than relying on the global default one, so a single test binary can
construct both a delegator and an executor without colliding on duplicate
metric registration.

Metrics track delegation/assignment record writes by state, delegate()
call duration, task duration by outcome, transport bytes and error counts, SSE
reconnect attempts, and sweep releases — one gauge/counter/histogram per
concern named in spec.md §2's component table.
*/
package metrics
