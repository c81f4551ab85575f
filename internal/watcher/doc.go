// Package watcher records drift: changes made to devstack-managed files by
// something other than devstack.
//
// The Watcher subscribes to filesystem events on every engine's site
// directories and on the directory holding the hosts file. Each change to a
// managed path is logged and stored as a drift event so that `devstack
// status` and `devstack history` can point at out-of-band edits.
//
// It runs in the foreground or as a daemon managed through a PID file:
//
//	w, err := watcher.New(st, policy)
//	if err != nil {
//		return err
//	}
//	if err := w.StartDaemon(pidFile, logFile); err != nil {
//		return err
//	}
package watcher
