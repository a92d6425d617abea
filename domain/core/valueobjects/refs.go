package valueobjects

// OutputRef is an opaque handle to the artifact a phase produced in its
// owning bounded context. The orchestrator never dereferences it.
type OutputRef string

// String returns the string representation of the OutputRef
func (r OutputRef) String() string { return string(r) }

// IsZero checks if the OutputRef is the zero value
func (r OutputRef) IsZero() bool { return r == "" }

// BeforeRef is an opaque handle to the before-image a phase's owning
// context captured; it is what the checkpoint store persists and what
// compensation consumes.
type BeforeRef string

// String returns the string representation of the BeforeRef
func (r BeforeRef) String() string { return string(r) }

// IsZero checks if the BeforeRef is the zero value
func (r BeforeRef) IsZero() bool { return r == "" }
