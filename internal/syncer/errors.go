package syncer

import "errors"

// ErrTooManyConsecutiveFailures is fatal: spec §4.7.6, default threshold 5.
var ErrTooManyConsecutiveFailures = errors.New("syncer: exceeded maximum consecutive batch failures")

// ErrPostCommitMismatch is fatal: the post-commit verification re-read in
// spec §4.7.3 step 5 didn't match what was written, indicating corruption.
var ErrPostCommitMismatch = errors.New("syncer: post-commit verification mismatch")

// ErrUnexpectedHashConflict is fatal: spec §4.7.3 step 4 treats a
// same-height/different-hash insert after a rollback as an invariant
// violation, not a recoverable condition.
var ErrUnexpectedHashConflict = errors.New("syncer: hash conflict persisted after rollback")

// ErrInconclusiveReorg is fatal: the fetched range's leading parent hash
// doesn't match the local tip, but the Reorg Detector couldn't walk back to
// a common ancestor either. Committing anyway would link a new block's
// parent_hash to nothing in the store (I-B2), so the batch is abandoned
// instead.
var ErrInconclusiveReorg = errors.New("syncer: parent hash mismatch at local tip but reorg detector found no common ancestor")
