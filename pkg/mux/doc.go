// Package mux multiplexes a listening socket and a dynamic set of accepted
// TCP connections into a single stream of events.
//
// One goroutine accepts, and one goroutine per connection blocks in Read.
// Neither touches server state: they hand Accept, Data and Closed events to
// the consumer over a channel. The consumer calls Next from exactly one
// goroutine, which makes Next the only suspension point of a server loop and
// lets the loop own its connection registry without locks.
//
//	m, err := mux.Listen(ctx, ":8888")
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	for {
//	    ev, err := m.Next(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    switch ev.Kind {
//	    case mux.EventAccept:
//	        // new connection, already tracked
//	    case mux.EventData:
//	        handle(ev.Conn, ev.Data)
//	    case mux.EventClosed:
//	        // peer EOF (ev.Err == nil) or read error; already untracked
//	    }
//	}
//
// Connections removed with Drop never produce further events, so every
// tracked connection reaches a terminal state exactly once.
package mux
