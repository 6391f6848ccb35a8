package core

// Task is a pluggable unit of schedulable work. Returning nil means success.
// Bodies must check ec.Cancelled() at safe points; the host cannot preempt them.
type Task interface {
	Execute(ec *ExecutionContext) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ec *ExecutionContext) error

func (f TaskFunc) Execute(ec *ExecutionContext) error {
	return f(ec)
}

// FuncFactory returns a Factory that always yields fn.
func FuncFactory(fn func(ec *ExecutionContext) error) Factory {
	return func() Task { return TaskFunc(fn) }
}
