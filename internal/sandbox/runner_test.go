package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

const testAdapterSource = `package main

import "encoding/json"

type StocksAdapter struct{}

func (a *StocksAdapter) Transform(raw string) (string, error) {
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	return string(out), err
}

func init() {
	RegisterAdapter("finance", "stocks", &StocksAdapter{})
}
`

const passingTestSource = `package main

import "fmt"

func RunTests() int {
	failures := 0
	a := &StocksAdapter{}

	if _, err := a.Transform(` + "`" + `{"price": 10}` + "`" + `); err == nil {
		fmt.Println("PASS: transform_valid_json")
	} else {
		fmt.Println("FAIL: transform_valid_json")
		failures++
	}

	if _, err := a.Transform("not json"); err != nil {
		fmt.Println("PASS: transform_rejects_garbage")
	} else {
		fmt.Println("FAIL: transform_rejects_garbage")
		failures++
	}

	return failures
}
`

const failingTestSource = `package main

import "fmt"

func RunTests() int {
	fmt.Println("PASS: setup")
	fmt.Println("FAIL: transform_valid_json")
	fmt.Println("ERROR: fetch_raw_crashed")
	return 2
}
`

func TestRunner_PassingTests(t *testing.T) {
	r := NewRunner(ModuleValidation())
	result, err := r.Run(context.Background(), testAdapterSource, passingTestSource)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, stderr: %s, err: %s", result.ExitCode, result.Stderr, result.ErrorMessage)
	}
	if result.TestsPassed != 2 || result.TestsFailed != 0 {
		t.Fatalf("passed=%d failed=%d, want 2/0; stdout: %s", result.TestsPassed, result.TestsFailed, result.Stdout)
	}
	if result.TimedOut {
		t.Fatal("run should not time out")
	}
}

func TestRunner_CountsFailuresAndErrors(t *testing.T) {
	r := NewRunner(ModuleValidation())
	result, err := r.Run(context.Background(), testAdapterSource, failingTestSource)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 2 {
		t.Fatalf("ExitCode = %d, want 2", result.ExitCode)
	}
	if result.TestsPassed != 1 || result.TestsFailed != 1 || result.TestsErrored != 1 {
		t.Fatalf("counts = %d/%d/%d, want 1/1/1", result.TestsPassed, result.TestsFailed, result.TestsErrored)
	}
	want := []string{"transform_valid_json", "fetch_raw_crashed"}
	if len(result.FailingTests) != 2 || result.FailingTests[0] != want[0] || result.FailingTests[1] != want[1] {
		t.Fatalf("FailingTests = %v, want %v", result.FailingTests, want)
	}
}

func TestRunner_RejectsForbiddenImportBeforeExecution(t *testing.T) {
	src := "package main\n\nimport \"os/exec\"\n\nvar _ = exec.Command\n"
	r := NewRunner(ModuleValidation())
	_, err := r.Run(context.Background(), src, passingTestSource)
	if err == nil {
		t.Fatal("forbidden import must fail before the interpreter runs")
	}
	if !strings.Contains(err.Error(), "os/exec") {
		t.Fatalf("err = %v, want the offending import named", err)
	}
}

func TestRunner_MissingEntryPoint(t *testing.T) {
	r := NewRunner(ModuleValidation())
	result, err := r.Run(context.Background(), testAdapterSource, "package main\n")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 1 || result.ErrorMessage == "" {
		t.Fatalf("missing RunTests should surface as an execution error, got %+v", result)
	}
}

func TestRunner_Timeout(t *testing.T) {
	policy := ModuleValidation()
	policy.Timeout = 200 * time.Millisecond
	r := NewRunner(policy)

	spin := `package main

func RunTests() int {
	n := 0
	for {
		n++
		if n < 0 {
			break
		}
	}
	return n
}
`
	result, err := r.Run(context.Background(), testAdapterSource, spin)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.TimedOut || result.ExitCode != -1 {
		t.Fatalf("expected timeout, got %+v", result)
	}
}

func TestRunner_TimeoutResultUntouchedByAbandonedRun(t *testing.T) {
	policy := ModuleValidation()
	policy.Timeout = 50 * time.Millisecond
	r := NewRunner(policy)

	// RunTests outlives the timeout and then finishes with a nonzero exit
	// code. The abandoned goroutine must not write into the result the
	// caller already holds.
	sleepy := `package main

import "time"

func RunTests() int {
	time.Sleep(300 * time.Millisecond)
	return 7
}
`
	result, err := r.Run(context.Background(), testAdapterSource, sleepy)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.TimedOut || result.ExitCode != -1 {
		t.Fatalf("expected timeout, got %+v", result)
	}

	// Let the interpreted code run to completion while the caller keeps
	// reading the returned result.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if result.ExitCode != -1 || !result.TimedOut || result.ErrorMessage == "" {
			t.Fatalf("timed-out result mutated after return: %+v", result)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
