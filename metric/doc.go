// Package metric provides the Prometheus registry and scrape server.
//
// MetricsRegistry holds two kinds of metrics. Core metrics (Metrics) cover
// transport and health and are registered up front. Components register their
// own vectors through MetricsRegistrar, keyed by "service.metric" so that a
// component cannot register the same metric twice:
//
//	registry := metric.NewMetricsRegistry()
//	st, err := store.Open(ctx, cfg, store.WithMetrics(registry))
//
//	srv := metric.NewServer(":9090", "/metrics", registry)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop(ctx)
package metric
