// Package telemetry holds the Prometheus collectors and OpenTelemetry helpers
// shared by the wavebench servers.
//
// Metrics collected (namespace "wavebench" by default):
//   - connections_total{server}: connections accepted
//   - connection_faults_total{server,type}: connections dropped on error
//   - open_connections{server}: connections currently tracked
//   - workers_admitted_total: distinct ids queued at the barrier
//   - workers_aborted_total{reason}: connections sent ABORT
//   - barrier_wait_seconds: time until the barrier filled
//   - waves_dispatched_total, runs_sent_total, run_send_failures_total
//   - dispatch_lag_seconds: wave dispatch time minus its scheduled deadline
//   - log_lines_total, log_bytes_total: worker output received
//   - log_streams_closed_total{cause}: terminal log streams by cause
//
// Spans: rendezvous.run, rendezvous.wave, logserver.run, driver.run.
package telemetry
