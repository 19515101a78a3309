// Package errors provides structured, coded errors for wavebench.
//
// Every failure the coordinator can surface to an operator has a registered
// code that maps to a category, a short message and a longer explanation:
//   - network: listeners that cannot bind, connection faults
//   - protocol: duplicate registrations, malformed sentinel payloads
//   - runtime: barrier timeouts, cancelled runs, failed invocations
//   - config: unreadable or invalid wavebench.json, bad scale modes
//   - sink: result uploads and event publishing
//
// # Usage
//
//	err := errors.New("E101").
//	    WithPeer("0.0.0.0:8889").
//	    WithSuggestion("Pick a free port with --port").
//	    Wrap(listenErr)
//
//	errors.PrintError(err)
//	// Output:
//	// ERROR E101: Bind failed
//	//
//	//   peer 0.0.0.0:8889
//	//
//	//   The server could not listen on the requested address. ...
//	//
//	//   Hint: Pick a free port with --port
//
// Per-connection errors (E102-E104) are informational: the servers log them
// and keep running. Everything else aborts the run.
package errors
