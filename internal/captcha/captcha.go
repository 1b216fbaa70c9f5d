// Package captcha defines the recognizer contract for the judge's image
// captcha and the process-scoped handle around it. The recognizer itself is
// a black box (an external CNN); this package only validates its answers
// against the judge's glyph alphabet and defers model loading until the
// first challenge actually needs solving.
package captcha

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Alphabet is the judge's 53-glyph captcha alphabet; visually ambiguous
// glyphs are intentionally excluded.
const Alphabet = "abcdefghkmnpqrstuvwxyzABCDEFGHGKMNOPQRSTUVWXYZ23456789"

// SolutionLength is the fixed number of glyphs per challenge.
const SolutionLength = 4

// Recognizer turns captcha image bytes into the 4-glyph solution string.
type Recognizer interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Validate checks that a solution has exactly SolutionLength glyphs drawn
// from Alphabet.
func Validate(solution string) error {
	if len(solution) != SolutionLength {
		return fmt.Errorf("captcha: solution %q has %d glyphs, want %d", solution, len(solution), SolutionLength)
	}
	for _, r := range solution {
		if !strings.ContainsRune(Alphabet, r) {
			return fmt.Errorf("captcha: solution %q contains glyph %q outside the alphabet", solution, r)
		}
	}
	return nil
}

// Command runs an external recognizer process per challenge: the image bytes
// go to stdin, the solution comes back on stdout. The model weights path is
// passed as an argument so the recognizer owns its own loading.
type Command struct {
	Path string
	Args []string
}

// NewCommand builds a Command recognizer. modelPath may be empty when the
// recognizer binary resolves its own weights.
func NewCommand(path, modelPath string) *Command {
	c := &Command{Path: path}
	if modelPath != "" {
		c.Args = []string{"--model", modelPath}
	}
	return c
}

// Solve pipes the image through the recognizer command and validates the
// returned solution.
func (c *Command) Solve(ctx context.Context, image []byte) (string, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(image)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("captcha: recognizer %s: %w", c.Path, err)
	}
	solution := strings.TrimSpace(string(out))
	if err := Validate(solution); err != nil {
		return "", err
	}
	return solution, nil
}

// Lazy defers building the underlying recognizer until the first Solve, then
// shares it for the process lifetime. This replaces the implicit module-level
// singleton of older revisions: main constructs one Lazy handle and injects
// it everywhere, and tests inject their own Recognizer instead.
type Lazy struct {
	build func() (Recognizer, error)

	once sync.Once
	rec  Recognizer
	err  error
}

// NewLazy wraps a recognizer constructor; build runs at most once.
func NewLazy(build func() (Recognizer, error)) *Lazy {
	return &Lazy{build: build}
}

func (l *Lazy) Solve(ctx context.Context, image []byte) (string, error) {
	l.once.Do(func() {
		l.rec, l.err = l.build()
	})
	if l.err != nil {
		return "", fmt.Errorf("captcha: initialize recognizer: %w", l.err)
	}
	return l.rec.Solve(ctx, image)
}
