package executor

import "context"

// Fake is an in-memory Executor for unit tests of the packages that consume
// Executor (network, image, vnc). Calls are recorded in order; Results is
// consumed FIFO, repeating the last entry once exhausted.
type Fake struct {
	Calls   []Command
	Results []Result
	Err     error
}

func (f *Fake) Run(_ context.Context, c Command) (Result, error) {
	f.Calls = append(f.Calls, c)
	if f.Err != nil {
		return Result{}, f.Err
	}
	if len(f.Results) == 0 {
		return Result{ExitCode: 0}, nil
	}
	idx := len(f.Calls) - 1
	if idx >= len(f.Results) {
		idx = len(f.Results) - 1
	}
	return f.Results[idx], nil
}

// LastCall returns the most recently recorded Command, or the zero value if
// none has been made yet.
func (f *Fake) LastCall() Command {
	if len(f.Calls) == 0 {
		return Command{}
	}
	return f.Calls[len(f.Calls)-1]
}
