package naturekg

import "errors"

var (
	// ErrStoreUnavailable is returned when the graph store cannot be opened
	// or reached at startup. Fatal to the run, unlike per-chunk errors.
	ErrStoreUnavailable = errors.New("naturekg: graph store unavailable")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("naturekg: embedding generation failed")

	// ErrUnsupportedFormat is returned for unrecognized document formats.
	ErrUnsupportedFormat = errors.New("naturekg: unsupported document format")

	// ErrParsingFailed is returned when document parsing fails.
	ErrParsingFailed = errors.New("naturekg: parsing failed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("naturekg: invalid configuration")

	// ErrNoResults is returned by Ask when retrieval yields an empty context.
	// Retrieval itself treats an empty context as a valid outcome; the facade
	// surfaces it so CLI callers can distinguish "no evidence" from an answer.
	ErrNoResults = errors.New("naturekg: no supporting evidence found")
)
