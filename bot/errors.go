package bot

import "errors"

// ErrTargetNotResolvable marks a transport failure where the message a
// reference points at no longer exists (deleted, purged, or never
// delivered). Callers degrade to an unreferenced send.
var ErrTargetNotResolvable = errors.New("reference target not resolvable")
