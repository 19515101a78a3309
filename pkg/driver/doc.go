// Package driver runs one benchmark: it binds the rendezvous and log
// servers, invokes every worker through an Invoker, and waits for all of
// them to finish.
//
// Both listeners are bound before the first invocation, so a port conflict
// fails the run without starting any worker. Workers receive the advertised
// addresses of both servers and an id of the form strconv.Itoa(IDBase+i).
package driver
