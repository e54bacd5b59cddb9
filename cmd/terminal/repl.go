package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hakimelghazi/termtrader/internal/commands"
	"github.com/hakimelghazi/termtrader/internal/engine"
)

const prompt = "> "

type executor interface {
	Execute(ctx context.Context, origin, command string, opts ...engine.SubmitOption) (engine.Response, error)
}

// syncWriter serializes writes from the REPL and the echo subscriber, which
// runs on the dispatcher's hub goroutine.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// readLines scans in on its own goroutine so the caller can stop waiting when
// ctx ends. A read blocked on a terminal is left behind in that case.
func readLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		errc <- sc.Err()
	}()
	return lines, errc
}

// repl reads one command per line until EOF, ctx ends, or a command
// navigates back to the welcome screen.
func repl(ctx context.Context, in io.Reader, out io.Writer, exec executor, session map[string]any) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines, errc := readLines(readCtx, in)
	fmt.Fprint(out, prompt)
	for {
		var raw string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return <-errc
			}
			raw = l
		}

		line := strings.TrimSpace(raw)
		if line == "" {
			fmt.Fprint(out, prompt)
			continue
		}
		if line == "quit" {
			return nil
		}

		resp, err := exec.Execute(ctx, origin, line, engine.WithSession(session))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		printResponse(out, resp)

		if resp.Navigation == "welcome" {
			return nil
		}
		if clear, _ := resp.Meta[commands.MetaClearUI].(bool); clear {
			fmt.Fprint(out, "\033[H\033[2J")
		}
		fmt.Fprint(out, prompt)
	}
}

func printResponse(out io.Writer, resp engine.Response) {
	if resp.Message == "" {
		return
	}
	if !resp.Success && !strings.HasPrefix(resp.Message, "✗") {
		fmt.Fprintln(out, "✗ "+resp.Message)
		return
	}
	fmt.Fprintln(out, resp.Message)
}
