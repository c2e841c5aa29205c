package contextmgr

import "errors"

// ErrContextManagerInternalState is fatal: it indicates the
// context stack or context-to-timeline map reached a state the manager's
// own invariants say is unreachable, and is always propagated up rather
// than recovered from.
var ErrContextManagerInternalState = errors.New("contextmgr: internal state invariant violated")
