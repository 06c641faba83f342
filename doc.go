// Package lockfs implements a minimal, revision-tracked, write-once-per-
// block filesystem for NOR-flash-style storage that supports per-block
// hardware write locking.
//
// After Mount, every block belonging to the current live version of a
// tagged object is locked via the backend's lock mechanism, and the lock
// state is frozen for the remainder of the power cycle: subsequent
// writes cannot mutate live data until reboot, even if the calling
// software is compromised.
//
// The package is polymorphic over any backend implementing
// storage.Storage; see the memdev and filedev packages for two ready
// backends.
package lockfs
