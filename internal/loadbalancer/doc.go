// Package loadbalancer is the entry point of the load-balancing core.
//
// A LoadBalancer owns the backend registry, one circuit breaker per backend,
// the routing policy, the health monitor and the outcome aggregator. Callers
// use it in three steps per request:
//
//	sel, err := lb.Select(clientIP)
//	if errors.Is(err, loadbalancer.ErrNoBackendAvailable) {
//	    // reply 503
//	}
//	// dispatch to sel.Address
//	lb.ReportOutcome(sel.BackendID, latency, err == nil)
//
// A successful Select counts as a request start for least-connections; the
// matching ReportOutcome or Release counts as its end.
package loadbalancer
