package render

import "errors"

// Sentinel errors for render operations.
var (
	// ErrContentLoadTimeout signals that the page did not reach network idle
	// within the configured load timeout. Recoverable: retry with a larger
	// timeout or fix the document's asset references.
	ErrContentLoadTimeout = errors.New("content load timed out")

	// ErrRenderFailure wraps any other rendering-engine fault. The underlying
	// diagnostic is preserved in the wrapped message.
	ErrRenderFailure = errors.New("PDF rendering failed")

	// Print-configuration validation errors.
	ErrUnknownPaperPreset = errors.New("unknown paper preset")
	ErrInvalidDimension   = errors.New("invalid dimension string")
	ErrInvalidScale       = errors.New("scale must be within [0.1, 2.0]")
	ErrInvalidTimeout     = errors.New("load timeout must be within [1s, 120s]")
)
