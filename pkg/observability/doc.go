// Package observability provides logrus logger construction, Prometheus
// metrics, readiness checks and graceful shutdown for the extension host.
//
// Metrics methods are nil-safe:
//
//	var m *observability.Metrics // no registry configured
//	m.RecordExecution("context.before_update", time.Millisecond, true) // no-op
//
// Health endpoints mount on a gorilla/mux router:
//
//	checker := observability.NewHealthChecker(db, redisClient, counter)
//	checker.RegisterRoutes(router)
package observability
