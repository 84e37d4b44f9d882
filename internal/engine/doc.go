// Package engine orchestrates the sync agents of one installation.
//
// A sync round runs the stages in a fixed order:
//
//  1. Table sync records native drift as client change logs.
//  2. Execute drains the execute queue into the materialized tables.
//  3. Upload (all three streams) and download run concurrently. Upload
//     never touches materialized state and download never enqueues for
//     upload, so the two directions are independent.
//
// A failed stage is logged and reported but does not stop the round.
//
// Run is the scheduler: it runs a round on every tick of the sync interval
// and whenever Trigger is called (push notifications, provider changes).
// Triggers arriving while a round is in progress collapse into one
// follow-up round.
//
// Setup performs the installation handshake and must succeed once before
// any keyed request; agents started earlier wait for it through the
// work-state coordinator.
package engine
