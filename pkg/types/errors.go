package types

import "errors"

// Error kinds surfaced by the core. Each is a distinct behavior, not just a
// distinct message: callers branch on these with errors.Is.
var (
	// ErrConfigInvalid is returned when a pool's mount point reports a
	// volume id other than the configured one. Surfaces at pool actor start;
	// the affected subtree does not start. Uuid/path collisions are reported
	// with ErrUUIDCollision/ErrPathCollision instead.
	ErrConfigInvalid = errors.New("configuration invalid")

	// ErrUnknownSnapshot is returned when a requested snapshot (the one to
	// send, its parent, or a path lookup) does not belong to the dataset
	// asked.
	ErrUnknownSnapshot = errors.New("unknown snapshot")

	// ErrUUIDCollision and ErrPathCollision guard pool invariant P2.
	ErrUUIDCollision = errors.New("subvolume uuid already used in this pool")
	ErrPathCollision = errors.New("subvolume path already used in this pool")

	// ErrScrubUncorrectable is a distinctive reason surfaced as an
	// observation failure when the volume tool exits with its uncorrectable
	// errors code.
	ErrScrubUncorrectable = errors.New("uncorrectable errors were found during scrub")
)
