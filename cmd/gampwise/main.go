// gampwise categorizes specifications under GAMP 5, builds their test
// suites with a team of sub-agents, and evaluates the workflow with k-fold
// cross validation.
//
// Usage:
//
//	gampwise run <document> [--manifest m.yaml] [--adapter stub|http]
//	gampwise evaluate --manifest m.yaml --folds k --seed s [--folds-file f] [--db path]
//	gampwise folds --manifest m.yaml --folds k --seed s -o folds.yaml
//	gampwise serve [--manifest m.yaml]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1 // a run or an evaluation finished with failures
	exitError   = 2 // the command could not start: bad flags, config or input
)

// exitErr carries an exit code out of a command.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func failed(format string, args ...any) error {
	return &exitErr{code: exitFailure, err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitErr
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitError
}

// execute runs the CLI with args and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	a.close(context.WithoutCancel(ctx))
	if err != nil {
		fmt.Fprintln(stderr, "gampwise:", err)
	}
	return exitCode(err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
