// Package mocks provides shared test doubles for interfaces used across
// packages.
//
// The mocks use function fields with fixed defaults rather than expectation
// recording, so a test only sets up the behavior it cares about:
//
//	tokens := &mocks.MockJWTService{
//	    GenerateTokenFn: func(ctx context.Context, subject string) (string, error) {
//	        return "token-for-" + subject, nil
//	    },
//	}
//
// Mocks of interfaces that a single package consumes stay in that package's
// test files.
package mocks
