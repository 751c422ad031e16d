// Package crew runs a fixed-size fleet of worker processes and keeps it
// at size. It is process-level supervision for deployments that want one
// supervisor per machine fanning out to several independent worker
// processes, without reaching for an init system or an orchestrator.
//
// A Crew does not share any state with or between its children. Each
// child is an ordinary process that builds its own worker and polls the
// task source; coordination happens entirely through the source's task
// leases. Killing any child therefore loses no work, which is what makes
// blunt process-level restarts safe.
//
// # Supervision model
//
// Every worker index is supervised independently. When a child exits
// unexpectedly, with a non-zero status or on a signal, only that index
// is restarted; its siblings keep running untouched. Restart delays back
// off exponentially per consecutive crash and reset once a replacement
// stays up. A child that exits cleanly on its own is considered done and
// is not resurrected.
//
// A child that cannot be launched at all, for instance because the
// configured binary does not exist, is treated as a configuration error
// rather than a crash: the whole crew shuts down and Run returns the
// error.
//
// # Child processes
//
// By default a Crew re-executes its own binary with the same arguments.
// The launched copy can tell it is a worker rather than the supervisor
// with IsWorkerProcess, and learns which index it holds from
// WorkerIndex:
//
//	func main() {
//		if crew.IsWorkerProcess() {
//			runWorker()
//			return
//		}
//		c, err := crew.New(crew.Config{Size: 4})
//		...
//		err = c.Run(ctx)
//	}
//
// Alternatively Config.Command names an explicit argv, for supervising a
// separate worker binary.
//
// # Shutdown
//
// Cancelling the context passed to Run, or sending the supervisor SIGINT
// or SIGTERM, forwards SIGTERM to every child. Children are expected to
// drain and exit; one that is still alive after Config.ShutdownTimeout
// is killed. Run returns once every child has exited.
package crew
