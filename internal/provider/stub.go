package provider

import "context"

// Stub is the deterministic canned provider used by tests.
// Responses is consumed in order; once exhausted, the last entry repeats
// (if any were supplied) so a test doesn't need to size the slice exactly
// to the number of calls it expects.
type Stub struct {
	Responses []StubResult
	calls     int
}

// StubResult is either a canned Response or a canned error to return.
type StubResult struct {
	Response Response
	Err      error
}

func (s *Stub) Complete(ctx context.Context, prompt string, stop []string, params Params) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if len(s.Responses) == 0 {
		return Response{}, nil
	}
	idx := s.calls
	if idx >= len(s.Responses) {
		idx = len(s.Responses) - 1
	}
	s.calls++
	r := s.Responses[idx]
	return r.Response, r.Err
}

func (s *Stub) Health(ctx context.Context) error { return nil }
