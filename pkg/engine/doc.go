// Package engine defines the contract between the upgrade broker and the
// package-transaction engine it drives.
//
// # Overview
//
// The engine is an external library with a synchronous, re-entrant API. The
// broker opens a Handle through a registered Driver, configures it, registers
// sync databases, and then runs a transaction through the usual phases:
//
//  1. TransInit - open a transaction
//  2. SyncSysupgrade - compute the full system upgrade
//  3. TransPrepare - resolve dependencies and check conflicts
//  4. TransCommit - download, verify and apply the changes
//  5. TransRelease - close the transaction (always)
//
// While any of these calls run, the engine calls back into the broker through
// the Callbacks registered on the handle: events, per-item progress, download
// totals and progress, log lines, and questions. A question callback blocks
// the engine until it returns the caller's decision.
//
// # Drivers
//
// Drivers register themselves by name, the same way database/sql drivers do:
//
//	import _ "github.com/openfroyo/upgrader/pkg/engine/sim"
//
//	h, err := engine.Open("simulated", "/", "/var/lib/pacman")
//
// # Errors
//
// Engine failures are reported as *Error values carrying an ErrorCode and,
// for prepare and commit failures, an ordered list of detail Items
// (InvalidArch, MissingDependency, Conflict, FileConflict, InvalidPackage).
package engine
