// Package rendezvous implements the control server that gathers workers at
// a readiness barrier and releases them in scheduled waves.
//
// Workers connect and send a single registration token:
//
//	READY:<worker-id>
//
// The server admits each worker id at most once. A second connection
// claiming an admitted id is answered with ABORT and closed. Once the
// number of distinct admitted ids reaches Config.ExpectedWorkers the
// listener is closed and the barrier is filled.
//
// Admitted workers are then sorted by id and partitioned into
// Config.WaveCount waves of Config.WorkersPerWave workers. Wave i is
// released at
//
//	barrierFilled + i*WavePeriod
//
// by writing RUN to each member and closing its connection. The resulting
// schedule depends only on the admitted ids, never on arrival order.
//
// # Concurrency
//
// The registry of connections and the ReadySet are owned by the goroutine
// calling Run. Socket reads happen on per-connection goroutines inside
// package mux and reach Run as events, so no locks guard server state.
// State and Snapshot may be called from any goroutine.
//
// # Usage
//
//	srv, err := rendezvous.Listen(ctx, rendezvous.Config{
//	    Address:         ":8889",
//	    ExpectedWorkers: 4,
//	    WorkersPerWave:  2,
//	    WaveCount:       2,
//	    WavePeriod:      5 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	result, err := srv.Run(ctx)
package rendezvous
