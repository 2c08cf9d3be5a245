package plugin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/util/channels"
)

// Invocation is a single call of a stored procedure handed to a Host.
type Invocation struct {
	ID         string
	Descriptor Descriptor
	Caller     Database
	Request    string

	// InProcess asks the host to run the procedure on the calling goroutine instead of an isolated execution path.
	InProcess bool
}

// Host executes procedures of one code type. Hosts own cancellation: when ctx ends a host must return promptly with
// an error wrapping graph.ErrTimeout, though it is not required to stop the procedure itself.
type Host interface {
	Execute(ctx context.Context, invocation Invocation) (string, error)
}

// Procedure is a Go stored procedure.
type Procedure func(ctx context.Context, db Database, request string) (string, error)

// Procedures is the symbol table backing CodeTypeSymbol code.
type Procedures struct {
	symbols map[string]Procedure
	lock    *sync.RWMutex
}

func NewProcedures() *Procedures {
	return &Procedures{
		symbols: map[string]Procedure{},
		lock:    &sync.RWMutex{},
	}
}

func (s *Procedures) Register(symbol string, procedure Procedure) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.symbols[symbol] = procedure
}

func (s *Procedures) Lookup(symbol string) (Procedure, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	procedure, found := s.symbols[symbol]
	return procedure, found
}

// SymbolHost runs Go procedures looked up by the descriptor's code.
type SymbolHost struct {
	procedures *Procedures
}

func NewSymbolHost(procedures *Procedures) SymbolHost {
	return SymbolHost{
		procedures: procedures,
	}
}

func (s SymbolHost) Validate(descriptor Descriptor) error {
	if _, found := s.procedures.Lookup(descriptor.Code); !found {
		return fmt.Errorf("%w: no procedure registered for symbol %q", graph.ErrInvalidArgument, descriptor.Code)
	}

	return nil
}

func (s SymbolHost) Execute(ctx context.Context, invocation Invocation) (string, error) {
	procedure, found := s.procedures.Lookup(invocation.Descriptor.Code)
	if !found {
		return "", fmt.Errorf("%w: no procedure registered for symbol %q", graph.ErrNotFound, invocation.Descriptor.Code)
	}

	if invocation.InProcess {
		response, err := runProcedure(ctx, procedure, invocation)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: procedure %s: %w", graph.ErrTimeout, invocation.Descriptor.Name, ctxErr)
		}

		return response, err
	}

	type result struct {
		response string
		err      error
	}

	// Buffered so the isolated goroutine can always finish even if nobody is waiting anymore.
	resultC := make(chan result, 1)

	go func() {
		response, err := runProcedure(ctx, procedure, invocation)
		resultC <- result{response: response, err: err}
	}()

	if outcome, received := channels.Receive(ctx, resultC); received {
		return outcome.response, outcome.err
	}

	return "", fmt.Errorf("%w: procedure %s: %w", graph.ErrTimeout, invocation.Descriptor.Name, ctx.Err())
}

func runProcedure(ctx context.Context, procedure Procedure, invocation Invocation) (response string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = graph.NewExecutionError(invocation.Descriptor.Name, string(debug.Stack()), fmt.Errorf("panic: %v", recovered))
		}
	}()

	return procedure(ctx, invocation.Caller, invocation.Request)
}

// ShellHost runs shell procedures in a subprocess. The request is written to the script's stdin and its stdout is the
// response.
type ShellHost struct {
	Shell     string
	WaitDelay time.Duration
}

func NewShellHost() ShellHost {
	return ShellHost{
		Shell:     "/bin/sh",
		WaitDelay: time.Second,
	}
}

func (s ShellHost) Execute(ctx context.Context, invocation Invocation) (string, error) {
	if invocation.InProcess {
		return "", fmt.Errorf("%w: shell procedure %s cannot run in process", graph.ErrInvalidArgument, invocation.Descriptor.Name)
	}

	var (
		stdout  = &bytes.Buffer{}
		stderr  = &bytes.Buffer{}
		command = exec.CommandContext(ctx, s.Shell, "-c", invocation.Descriptor.Code)
	)

	command.Stdin = strings.NewReader(invocation.Request)
	command.Stdout = stdout
	command.Stderr = stderr
	command.WaitDelay = s.WaitDelay
	command.Env = append(command.Environ(),
		"GRAPHGUARD_PLUGIN="+invocation.Descriptor.Name,
		"GRAPHGUARD_INVOCATION="+invocation.ID,
		"GRAPHGUARD_READ_ONLY="+fmt.Sprint(invocation.Descriptor.ReadOnly),
	)

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: shell procedure %s: %w", graph.ErrTimeout, invocation.Descriptor.Name, ctxErr)
		}

		return "", graph.NewExecutionError(invocation.Descriptor.Name, strings.TrimSpace(stderr.String()), err)
	}

	return stdout.String(), nil
}
