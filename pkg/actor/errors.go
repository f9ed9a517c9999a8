package actor

import "errors"

// ErrTargetGone is returned by Tell and Call when the target actor has
// already stopped accepting mail.
var ErrTargetGone = errors.New("actor: target is gone")

// ErrStopping is returned by operations that can't proceed because the
// local actor is itself in the process of stopping.
var ErrStopping = errors.New("actor: actor is stopping")
