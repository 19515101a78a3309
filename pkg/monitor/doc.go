// Package monitor serves an HTTP view of a running benchmark.
//
// Routes:
//
//	GET /healthz   liveness probe
//	GET /status    JSON snapshot of the run
//	GET /metrics   Prometheus metrics
//	GET /tail      WebSocket stream of records as JSON
//
// The tail hub is a record.Sink. Add it to the run's sinks so clients see
// worker lines and lifecycle records as they happen:
//
//	mon := monitor.New(monitor.Config{Address: ":9090", Status: func() any { return d.Status() }})
//	d := driver.New(cfg, invoker, driver.WithSink(record.Multi{printer, mon.Hub()}))
//	go mon.ListenAndServe(ctx)
package monitor
