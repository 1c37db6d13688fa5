package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// Runner executes adapter test code inside a yaegi interpreter instead of
// compiling it. Interpretation removes the failure modes of `go build` on
// untrusted generated code (compilation hangs, dependency resolution,
// binary incompatibilities) and keeps execution inside the policy's import
// allowlist. The test entry point convention is:
//
//	func RunTests() int
//
// printing one "PASS: name" / "FAIL: name" / "ERROR: name" line per test and
// returning the number of failures.
type Runner struct {
	policy ExecutionPolicy
}

// NewRunner creates a runner bound to a policy.
func NewRunner(policy ExecutionPolicy) *Runner {
	return &Runner{policy: policy}
}

// Policy returns the runner's policy.
func (r *Runner) Policy() ExecutionPolicy { return r.policy }

// Run executes the adapter source plus its test source under the policy
// limits and captures the outcome. Static import checks run first; a policy
// breach never reaches the interpreter.
func (r *Runner) Run(ctx context.Context, adapterSource, testSource string) (*types.RuntimeResult, error) {
	log := logging.Get(logging.CategorySandbox)
	start := time.Now()
	result := &types.RuntimeResult{}

	for _, src := range []string{adapterSource, testSource} {
		violations, err := CheckImports(src, r.policy)
		if err != nil {
			return nil, fmt.Errorf("import check failed: %w", err)
		}
		if len(violations) > 0 {
			return nil, fmt.Errorf("policy %s violation: %s", r.policy.Name, violations[0])
		}
	}

	timeout := r.policy.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Everything the goroutine produces travels over done; the buffers are
	// read only after a receive, so the channel orders their writes. On
	// timeout nothing of the goroutine's is touched.
	var stdout, stderr bytes.Buffer
	type outcome struct {
		exitCode int
		err      error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("sandbox panic: %v", rec)}
			}
		}()

		i := interp.New(interp.Options{Stdout: &stdout, Stderr: &stderr})
		if err := i.Use(stdlib.Symbols); err != nil {
			done <- outcome{err: fmt.Errorf("failed to load stdlib symbols: %w", err)}
			return
		}

		if _, err := i.Eval(registerShim); err != nil {
			done <- outcome{err: fmt.Errorf("failed to install registration shim: %w", err)}
			return
		}
		if _, err := i.Eval(wrapPackage(adapterSource)); err != nil {
			done <- outcome{err: fmt.Errorf("adapter evaluation failed: %w", err)}
			return
		}
		if _, err := i.Eval(stripPackage(testSource)); err != nil {
			done <- outcome{err: fmt.Errorf("test evaluation failed: %w", err)}
			return
		}

		v, err := i.Eval("main.RunTests")
		if err != nil {
			done <- outcome{err: fmt.Errorf("RunTests entry point not found: %w", err)}
			return
		}
		runTests, ok := v.Interface().(func() int)
		if !ok {
			done <- outcome{err: fmt.Errorf("RunTests has wrong signature (want func() int)")}
			return
		}
		done <- outcome{exitCode: runTests()}
	}()

	select {
	case out := <-done:
		result.DurationMs = time.Since(start).Milliseconds()
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.ExitCode = out.exitCode
		if out.err != nil {
			result.ExitCode = 1
			result.ErrorMessage = out.err.Error()
		}
		countTestLines(result)
		log.Debug("sandbox run finished in %dms: %d passed, %d failed, %d errored",
			result.DurationMs, result.TestsPassed, result.TestsFailed, result.TestsErrored)
		return result, nil
	case <-runCtx.Done():
		// The goroutine may still be running; it keeps its exit code and the
		// buffers to itself. Interpreter goroutines cannot be killed, only
		// abandoned.
		result.DurationMs = time.Since(start).Milliseconds()
		result.TimedOut = true
		result.ExitCode = -1
		result.ErrorMessage = fmt.Sprintf("execution exceeded %v limit", timeout)
		log.Warn("sandbox run timed out after %v", timeout)
		return result, nil
	}
}

// registerShim satisfies the adapter's RegisterAdapter call inside the
// interpreter. Real registration happens at install time in the host; the
// sandbox only needs the symbol to exist.
const registerShim = `package main

func RegisterAdapter(category, platform string, adapter any) {}
`

// countTestLines tallies PASS/FAIL/ERROR lines from the harness output.
func countTestLines(result *types.RuntimeResult) {
	for _, line := range strings.Split(result.Stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "PASS:"):
			result.TestsPassed++
		case strings.HasPrefix(trimmed, "FAIL:"):
			result.TestsFailed++
			result.FailingTests = append(result.FailingTests, strings.TrimSpace(strings.TrimPrefix(trimmed, "FAIL:")))
		case strings.HasPrefix(trimmed, "ERROR:"):
			result.TestsErrored++
			result.FailingTests = append(result.FailingTests, strings.TrimSpace(strings.TrimPrefix(trimmed, "ERROR:")))
		}
	}
}

// wrapPackage rewrites the adapter source into package main so it shares the
// interpreter scope with the test file.
func wrapPackage(source string) string {
	return rewritePackage(source)
}

// stripPackage rewrites the test source's package clause to main.
func stripPackage(source string) string {
	return rewritePackage(source)
}

func rewritePackage(source string) string {
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			lines[i] = "package main"
			return strings.Join(lines, "\n")
		}
	}
	return "package main\n\n" + source
}
