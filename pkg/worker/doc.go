// Package worker is the worker side of the wavebench protocol.
//
// A worker registers with the rendezvous server and blocks until it is
// released with RUN or refused with ABORT. A released worker opens a log
// stream, runs its workload with the stream as output, and ends the stream
// with the CLOSE sentinel:
//
//	err := worker.Run(ctx, worker.Config{
//	    ID:             "7",
//	    Mode:           "read",
//	    RendezvousAddr: "bench-host:8889",
//	    LogAddr:        "bench-host:8888",
//	}, worker.ExecWorkload("./storage_bench", "--mode", "read"))
//	if errors.Is(err, worker.ErrAborted) {
//	    // another worker already registered this id
//	}
package worker
