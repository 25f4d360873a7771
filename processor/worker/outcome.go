package worker

import "github.com/c360studio/docflow/workflow"

// Outcome is what a callback decided for its task: Completed, Failed or
// Deferred.
type Outcome interface {
	outcome()
}

// Completed reports a response back to the orchestrator.
type Completed struct {
	Response workflow.Response
}

// Failed reports an unexpected error as state ERROR.
type Failed struct {
	Err error
}

// Deferred hands the message back to the queue without a reply and
// without touching task state.
type Deferred struct {
	Reason string
}

func (Completed) outcome() {}
func (Failed) outcome()    {}
func (Deferred) outcome()  {}

// Done is shorthand for a Completed outcome.
func Done(state workflow.State, message string) Outcome {
	return Completed{Response: workflow.Response{State: state, Message: message}}
}

// Fail is shorthand for a Failed outcome.
func Fail(err error) Outcome {
	return Failed{Err: err}
}

// Defer is shorthand for a Deferred outcome.
func Defer(reason string) Outcome {
	return Deferred{Reason: reason}
}
