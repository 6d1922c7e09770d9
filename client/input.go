package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// InputSource supplies this player's actions. param is the game's hint for
// what it expects (for the guessing game, the key "guess"); the returned
// value must be the JSON the game logic will decode.
type InputSource interface {
	NextAction(ctx context.Context, param json.RawMessage) (json.RawMessage, error)
}

// SourceFunc adapts a function to the InputSource interface.
type SourceFunc func(ctx context.Context, param json.RawMessage) (json.RawMessage, error)

func (f SourceFunc) NextAction(ctx context.Context, param json.RawMessage) (json.RawMessage, error) {
	return f(ctx, param)
}

// ErrScriptExhausted is returned by a ScriptedSource once every queued
// action has been consumed.
var ErrScriptExhausted = errors.New("client: scripted input exhausted")

// ScriptedSource replays a fixed list of actions in order.
type ScriptedSource struct {
	mu      sync.Mutex
	actions []json.RawMessage
}

// NewScriptedSource queues the given actions. Each must already be valid
// JSON.
func NewScriptedSource(actions ...json.RawMessage) *ScriptedSource {
	return &ScriptedSource{actions: actions}
}

func (s *ScriptedSource) NextAction(ctx context.Context, param json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.actions) == 0 {
		return nil, ErrScriptExhausted
	}
	next := s.actions[0]
	s.actions = s.actions[1:]
	return next, nil
}

// StdinSource prompts on out and reads one line per action from in. Lines
// that already parse as JSON are sent verbatim; anything else is sent as a
// JSON string. The reader goroutine starts on first use and lives for the
// process, matching the blocking nature of terminal input.
type StdinSource struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan string
	errs  chan error
}

// NewStdinSource reads from stdin and prompts on stdout.
func NewStdinSource() *StdinSource {
	return &StdinSource{in: os.Stdin, out: os.Stdout}
}

// NewLineSource reads actions from in and writes prompts to out.
func NewLineSource(in io.Reader, out io.Writer) *StdinSource {
	return &StdinSource{in: in, out: out}
}

func (s *StdinSource) NextAction(ctx context.Context, param json.RawMessage) (json.RawMessage, error) {
	s.once.Do(s.start)
	fmt.Fprintf(s.out, "action %s> ", param)
	select {
	case line, ok := <-s.lines:
		if !ok {
			select {
			case err := <-s.errs:
				return nil, fmt.Errorf("client: read input: %w", err)
			default:
				return nil, errors.New("client: input closed")
			}
		}
		return encodeLine(line), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *StdinSource) start() {
	s.lines = make(chan string)
	s.errs = make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			s.lines <- strings.TrimSpace(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			s.errs <- err
		}
		close(s.lines)
	}()
}

// encodeLine keeps literal JSON as-is and quotes everything else, so "42"
// stays a number while "kim" becomes a string.
func encodeLine(line string) json.RawMessage {
	if json.Valid([]byte(line)) {
		return json.RawMessage(line)
	}
	quoted, _ := json.Marshal(line)
	return quoted
}
