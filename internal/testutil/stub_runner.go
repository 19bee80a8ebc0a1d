package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// StubRunner answers runtime CLI invocations with canned responses, keyed
// by the space-joined argument list. Queued stubs are consumed in order;
// defaults answer every call once the queue is empty.
type StubRunner struct {
	mu       sync.Mutex
	stubs    map[string][]stubResponse
	defaults map[string]stubResponse
	calls    []string
	stdin    map[string][]byte
}

type stubResponse struct {
	out    string
	stderr string
	code   int
	err    error
}

func NewStubRunner() *StubRunner {
	return &StubRunner{
		stubs:    make(map[string][]stubResponse),
		defaults: make(map[string]stubResponse),
		stdin:    make(map[string][]byte),
	}
}

// Stub queues a response for Output.
func (s *StubRunner) Stub(args string, out string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs[args] = append(s.stubs[args], stubResponse{out: out, err: err})
}

// StubDefault sets the Output response used when the queue is empty.
func (s *StubRunner) StubDefault(args string, out string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[args] = stubResponse{out: out, err: err}
}

// StubRun queues a response for Run: what the command writes and its exit code.
func (s *StubRunner) StubRun(args string, code int, stdout, stderr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs[args] = append(s.stubs[args], stubResponse{out: stdout, stderr: stderr, code: code})
}

func (s *StubRunner) next(key string) (stubResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, key)
	queue := s.stubs[key]
	if len(queue) == 0 {
		resp, ok := s.defaults[key]
		return resp, ok
	}
	s.stubs[key] = queue[1:]
	return queue[0], true
}

func (s *StubRunner) Output(ctx context.Context, args ...string) (string, error) {
	key := strings.Join(args, " ")
	resp, ok := s.next(key)
	if !ok {
		return "", fmt.Errorf("unexpected runtime call: %s", key)
	}
	return resp.out, resp.err
}

func (s *StubRunner) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) (int, error) {
	key := strings.Join(args, " ")
	resp, ok := s.next(key)
	if !ok {
		return -1, fmt.Errorf("unexpected runtime call: %s", key)
	}
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		s.mu.Lock()
		s.stdin[key] = data
		s.mu.Unlock()
	}
	if resp.err != nil {
		return -1, resp.err
	}
	if stdout != nil {
		io.WriteString(stdout, resp.out)
	}
	if stderr != nil {
		io.WriteString(stderr, resp.stderr)
	}
	return resp.code, nil
}

// Stdin returns what the last Run with args read from its stdin.
func (s *StubRunner) Stdin(args ...string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin[strings.Join(args, " ")]
}

func (s *StubRunner) CallsFor(args ...string) int {
	key := strings.Join(args, " ")
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, call := range s.calls {
		if call == key {
			count++
		}
	}
	return count
}

// Calls returns every invocation in order.
func (s *StubRunner) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
