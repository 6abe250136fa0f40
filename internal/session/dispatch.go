package session

import (
	"context"
	"fmt"

	"github.com/luciancaetano/hubnet"
	"github.com/luciancaetano/hubnet/internal/hub"
)

// dispatch invokes target and waits for an asynchronous result. Errors and
// panics raised by the member come back as *hubnet.InvocationError.
func dispatch(ctx context.Context, svc *hub.Service, target *hub.Target, msg hubnet.Message) (err error) {
	if target.Kind == hub.Unresolved {
		return &hubnet.MissingMemberError{Hub: svc.Name, Member: msg.Method}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &hubnet.InvocationError{
				Hub:    svc.Name,
				Method: target.Member,
				Err:    fmt.Errorf("%w: %v", hubnet.ErrHandlerPanic, r),
			}
		}
	}()

	result, err := target.Invoke(ctx, svc.Instance, msg.Arguments)
	if err == nil {
		err = await(ctx, result)
	}
	if err != nil {
		return &hubnet.InvocationError{Hub: svc.Name, Method: target.Member, Err: err}
	}
	return nil
}

// await blocks until an asynchronous result completes. Other results are
// ignored; nothing is sent back to the caller.
func await(ctx context.Context, result any) error {
	var done <-chan error
	switch r := result.(type) {
	case hubnet.Awaiter:
		return r.Await(ctx)
	case <-chan error:
		done = r
	case chan error:
		done = r
	default:
		return nil
	}

	select {
	case err, ok := <-done:
		if !ok {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
