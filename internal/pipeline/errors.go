package pipeline

import "errors"

var (
	// ErrSchemaAlreadySwapped indicates a second swap of the same schema.
	ErrSchemaAlreadySwapped = errors.New("schema already swapped")

	// ErrCacheMiss indicates a cached result could not be found or reused.
	// It is recoverable: callers fall back to computing the result.
	ErrCacheMiss = errors.New("cache miss")

	// ErrUnsupportedType indicates no registered hook handles a payload type.
	ErrUnsupportedType = errors.New("unsupported table type")

	// ErrUnsupportedLazy indicates a payload has no lazy query representation.
	ErrUnsupportedLazy = errors.New("lazy query not supported")

	// ErrFlow indicates a problem with the flow definition.
	ErrFlow = errors.New("invalid flow")

	// ErrSchema indicates a schema was used incorrectly.
	ErrSchema = errors.New("schema error")

	// ErrInvalidName indicates a schema or table name failed validation.
	ErrInvalidName = errors.New("invalid name")

	// ErrLock indicates a schema lock is not held by this process.
	ErrLock = errors.New("schema lock error")
)
