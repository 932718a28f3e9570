package nftables

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandRunner abstracts execution of the nft binary so tests can run
// without a kernel. The production runner shells out; tests install a
// scripted fake.
type CommandRunner interface {
	// Run executes name with args and returns combined output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunInput executes name with args, feeding input on stdin.
	RunInput(ctx context.Context, input string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (ExecRunner) RunInput(ctx context.Context, input, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(input)
	return cmd.CombinedOutput()
}

// FakeRunner is a scripted runner for tests. Each expected invocation is
// matched by joined argv prefix; unmatched invocations error.
type FakeRunner struct {
	Calls     []FakeCall
	Responses map[string]FakeResponse
}

// FakeCall records one invocation.
type FakeCall struct {
	Argv  string
	Input string
}

// FakeResponse is the scripted result for an argv prefix.
type FakeResponse struct {
	Output []byte
	Err    error
}

// NewFakeRunner returns an empty fake.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Responses: make(map[string]FakeResponse)}
}

// On scripts a response for any invocation whose argv starts with prefix.
func (f *FakeRunner) On(prefix string, output string, err error) {
	f.Responses[prefix] = FakeResponse{Output: []byte(output), Err: err}
}

func (f *FakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	return f.dispatch(name, args, "")
}

func (f *FakeRunner) RunInput(_ context.Context, input, name string, args ...string) ([]byte, error) {
	return f.dispatch(name, args, input)
}

func (f *FakeRunner) dispatch(name string, args []string, input string) ([]byte, error) {
	argv := name + " " + strings.Join(args, " ")
	f.Calls = append(f.Calls, FakeCall{Argv: argv, Input: input})
	for prefix, resp := range f.Responses {
		if strings.HasPrefix(argv, prefix) {
			return resp.Output, resp.Err
		}
	}
	return nil, errors.New("fake runner: unexpected command " + argv)
}

// InputsFor returns the stdin payloads of calls matching an argv prefix.
func (f *FakeRunner) InputsFor(prefix string) []string {
	var out []string
	for _, c := range f.Calls {
		if strings.HasPrefix(c.Argv, prefix) {
			out = append(out, c.Input)
		}
	}
	return out
}

// classifyExecErr maps an exec failure to an adapter error kind.
func classifyExecErr(err error, output []byte) string {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return "unavailable"
	case bytes.Contains(output, []byte("Operation not permitted")),
		bytes.Contains(output, []byte("Permission denied")):
		return "permission"
	case bytes.Contains(output, []byte("Error:")), bytes.Contains(output, []byte("syntax error")):
		return "syntax"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "transient"
	default:
		return "system"
	}
}
