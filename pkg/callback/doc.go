// Package callback chains typed continuations onto asynchronous dispatcher
// calls.
//
// A continuation is registered once per Step with the type of the context
// it expects. CreateToken pairs a step with a context value; the token is
// completed exactly once with a Result, which runs the continuation on the
// callback-dispatch pool:
//
//	callback.Register(f, StepReserve, func(ctx context.Context, vm *VM, r callback.Result) error {
//		if r.Err != nil {
//			return release(vm)
//		}
//		return provision(ctx, vm)
//	})
//
//	tok, _ := f.CreateToken(StepReserve, vm)
//	d.SendAsync(hostID, f.Handler(tok), cmd)
//
// Completing a token twice is a logged no-op.
package callback
