// Package backend provides the backend registry of the load balancer.
//
// A Backend carries its identity, routing weight, health state (mutated only
// by the health monitor through RecordProbe), in-flight request count and an
// owned circuit breaker. A backend is eligible for routing when it is healthy
// and its breaker is closed, or half-open with a free trial slot.
//
//	reg := backend.NewRegistry(logger)
//	b, err := backend.New(cfg, breaker)
//	err = reg.Register(b)
//	candidates := reg.Eligible()
package backend
