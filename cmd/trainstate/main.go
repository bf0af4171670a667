// Command trainstate inspects and maintains training checkpoints.
package main

import (
	"errors"
	"fmt"
	"os"

	tserrors "github.com/randalmurphal/trainstate/pkg/trainstate/errors"
)

// Exit codes.
const (
	exitError     = 1
	exitNotFound  = 3
	exitCorrupted = 4
	exitCancelled = 130
)

// codeError carries a process exit code.
type codeError struct {
	code int
	err  error
}

func (e *codeError) Error() string { return e.err.Error() }
func (e *codeError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ce *codeError
	if errors.As(err, &ce) {
		return ce.code
	}
	switch tserrors.Categorize(err) {
	case tserrors.CategoryNotFound:
		return exitNotFound
	case tserrors.CategoryCorrupted:
		return exitCorrupted
	default:
		return exitError
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
