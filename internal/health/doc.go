// Package health provides health, liveness and readiness probe endpoints.
//
// Checks are registered on a Handler. A failing critical check makes
// readiness fail; a failing non-critical check reports "degraded" but keeps
// the service ready. Readiness also fails while the handler is draining
// during shutdown.
//
//	h := health.NewHandler(version, health.WithLogger(logger))
//	h.AddCheck(health.NewDependencyCheck("acceptor", health.DependencyTypeAcceptor, checkFn))
//	h.RegisterRoutes(engine)
package health
