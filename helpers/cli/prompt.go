// Package cli runs line oriented interactive commands.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

type Executor func(line string)
type Completer func(d prompt.Document) []prompt.Suggest

// MainLoop reads commands from terminal with completion,
// or line by line from stdin when it is not a terminal.
// Returns when input ends or ctx is canceled.
func MainLoop(ctx context.Context, tag string, exec Executor, complete Completer) error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			prompt.New(prompt.Executor(exec), prompt.Completer(complete),
				prompt.OptionPrefix(tag+"> "),
				prompt.OptionTitle(tag),
			).Run()
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	}
	return ReadLines(ctx, os.Stdin, exec)
}

// ReadLines calls exec for each non-empty line of r.
func ReadLines(ctx context.Context, r io.Reader, exec Executor) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := string(bytes.TrimSpace(scanner.Bytes()))
		if line == "" {
			continue
		}
		exec(line)
	}
	return errors.Annotate(scanner.Err(), "read input")
}

// SuggestWords is completer over fixed word list.
func SuggestWords(words []string) Completer {
	suggests := make([]prompt.Suggest, 0, len(words))
	for _, w := range words {
		suggests = append(suggests, prompt.Suggest{Text: w})
	}
	return func(d prompt.Document) []prompt.Suggest {
		w := d.GetWordBeforeCursor()
		if w == "" {
			return nil
		}
		return prompt.FilterFuzzy(suggests, w, true)
	}
}
