package queue

import "context"

// Executor runs the business logic for one message payload.
//
// A nil error means success. Return a *domain.Failure to pick the failure
// category explicitly; other errors are classified by classifier.ClassifyError.
type Executor interface {
	Execute(ctx context.Context, payload any) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, payload any) error

func (f ExecutorFunc) Execute(ctx context.Context, payload any) error {
	return f(ctx, payload)
}
