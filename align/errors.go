package align

import "github.com/pkg/errors"

// Sentinel errors returned by the registration core. Callers match them with
// errors.Is; the core wraps them with call-site context.
var (
	// ErrEmptyCloud is returned when an operation needs at least one point.
	ErrEmptyCloud = errors.New("point cloud is empty")

	// ErrLengthMismatch is returned when paired clouds differ in length.
	ErrLengthMismatch = errors.New("point cloud lengths differ")

	// ErrInvalidState is returned when an index is queried before it is built,
	// or an engine is stepped after it has terminated.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNonFinite is returned when a cloud holds a NaN or infinite coordinate.
	ErrNonFinite = errors.New("non-finite coordinate")
)
