package workflow

import "errors"

// Lifecycle errors.
var (
	// ErrAlreadyAssigned is returned when assigning a task that already has an identity.
	ErrAlreadyAssigned = errors.New("task already assigned")

	// ErrUnassigned is returned by lifecycle operations on a task without an identity.
	ErrUnassigned = errors.New("task has not been assigned")

	// ErrTaskAssigned is returned when a task with the same key is already
	// assigned to the document.
	ErrTaskAssigned = errors.New("task with this key is already assigned to the document")

	// ErrDocumentExists is returned when registering a document whose
	// identity is already taken.
	ErrDocumentExists = errors.New("document already exists")

	// ErrUnregistered is returned by document and result operations before registration.
	ErrUnregistered = errors.New("not registered")

	// ErrUnknownContainer is returned when decoding a container of an unknown kind.
	ErrUnknownContainer = errors.New("unknown container kind")
)

// ValidationError reports an invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
