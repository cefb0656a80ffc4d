// Package health reports whether the service's dependencies are usable.
//
// Each dependency (the NATS connection, the signal store, the ingest
// consumers) is tracked by name in a Monitor. Probes registered with
// Monitor.Run are checked on an interval; components that observe their own
// state, such as the ingest service, call Update directly.
//
// Aggregation is worst-case: a single unhealthy component makes the whole
// service unhealthy, and the HTTP /health endpoint answers 503 in that case.
//
// Error text passed through FromError is sanitized so that URLs, file paths,
// addresses and credentials never reach the unauthenticated health endpoint:
//
//	monitor := health.NewMonitor(metrics.CoreMetrics(), logger)
//	go monitor.Run(ctx, 10*time.Second, map[string]health.Probe{
//	    "store": st.Ping,
//	})
//	status := monitor.AggregateHealth("xraysignals")
package health
