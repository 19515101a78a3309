// Package logserver implements the log aggregation server.
//
// Every worker opens one connection and streams free-form text. The server
// splits each stream into lines, tags every line with the peer address and
// arrival time, and hands the resulting records to a record.Sink. A stream
// ends when the worker sends the CLOSE sentinel as the last token of a line,
// closes its socket, or fails with a read error. Each connection is counted
// towards completion exactly once, and Run returns when the number of ended
// streams reaches Config.ExpectedConnections.
//
// Faults are isolated to the connection that caused them; no single peer
// can stop the server.
package logserver
