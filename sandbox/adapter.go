package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Output is what an Action produces. Text is returned to the model; Image is
// attached for screenshot-style actions. Truncated reports that the action
// already dropped part of its output.
type Output struct {
	Text      string
	Image     []byte
	Truncated bool
}

// Action performs one unit of work against the execution surface. It must
// honor ctx: when ctx is done it releases whatever it acquired and returns.
type Action func(ctx context.Context) (Output, error)

// Invocation describes one call through the Adapter.
type Invocation struct {
	Tool      string
	Timeout   time.Duration
	MaxOutput int
	MaxLines  int
	Mode      TruncationMode
}

// Adapter runs Actions with an explicit timeout and normalizes their outcome.
// It holds no per-invocation state.
type Adapter struct {
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	maxOutput      int
	logger         zerolog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithDefaultTimeout sets the timeout used when an Invocation has none.
func WithDefaultTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.defaultTimeout = d }
}

// WithMaxTimeout caps any requested timeout.
func WithMaxTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.maxTimeout = d }
}

// WithMaxOutput sets the default output cap in bytes.
func WithMaxOutput(n int) AdapterOption {
	return func(a *Adapter) { a.maxOutput = n }
}

// WithLogger sets the adapter logger.
func WithLogger(l zerolog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter creates an Adapter. Defaults: 30s timeout, 10m cap, 30000 bytes.
func NewAdapter(opts ...AdapterOption) *Adapter {
	a := &Adapter{
		defaultTimeout: 30 * time.Second,
		maxTimeout:     10 * time.Minute,
		maxOutput:      30000,
		logger:         log.With().Str("component", "sandbox").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Timeout resolves the effective timeout for a requested value.
func (a *Adapter) Timeout(requested time.Duration) time.Duration {
	t := requested
	if t <= 0 {
		t = a.defaultTimeout
	}
	if a.maxTimeout > 0 && t > a.maxTimeout {
		t = a.maxTimeout
	}
	return t
}

type outcome struct {
	out Output
	err error
}

// Run executes action under the invocation's timeout. It returns as soon as
// the action finishes or the deadline passes, whichever comes first; an action
// still running at the deadline sees its context cancelled and is left to
// unwind on its own.
func (a *Adapter) Run(ctx context.Context, inv Invocation, action Action) Result {
	timeout := a.Timeout(inv.Timeout)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error().Str("tool", inv.Tool).Interface("panic", r).Msg("sandbox action panicked")
				done <- outcome{err: errors.New("action panicked")}
			}
		}()
		out, err := action(tctx)
		done <- outcome{out: out, err: err}
	}()

	var res Result
	select {
	case o := <-done:
		res = a.normalize(inv, o)
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			res = Failed(ReasonTimeout, "%s exceeded its %s timeout", inv.Tool, timeout)
		} else {
			res = Failed(ReasonCancelled, "%s was cancelled", inv.Tool)
		}
	}
	res.Duration = time.Since(start)

	ev := a.logger.Debug().Str("tool", inv.Tool).Dur("duration", res.Duration).Bool("ok", res.OK)
	if res.Error != nil {
		ev = ev.Str("reason", string(res.Error.Reason))
	}
	ev.Msg("sandbox action finished")
	return res
}

func (a *Adapter) normalize(inv Invocation, o outcome) Result {
	maxOutput := inv.MaxOutput
	if maxOutput <= 0 {
		maxOutput = a.maxOutput
	}
	text, truncated := TruncateOutput(o.out.Text, maxOutput, inv.Mode)
	var linesCut bool
	text, linesCut = TruncateLines(text, inv.MaxLines)

	res := Result{
		OK:        o.err == nil,
		Output:    text,
		Truncated: truncated || linesCut || o.out.Truncated,
		Image:     o.out.Image,
	}
	if o.err != nil {
		res.Error = &Failure{Reason: Classify(o.err), Message: o.err.Error()}
	}
	return res
}
