package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"ttai-workers/internal/store"
)

// Context is handed to workflow functions. Activities must be invoked
// through ExecuteActivity so that their results are journaled and replayed.
type Context struct {
	ctx    context.Context
	engine *Engine
	run    *store.WorkflowRun
	log    zerolog.Logger
	seq    int

	// replayed counts attempts of activities returned from the journal, so
	// the first live activity can tell which of run.Attempts are its own.
	replayed int
	live     bool
}

func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) RunID() string { return c.run.ID }

func (c *Context) Logger() zerolog.Logger { return c.log }

type attemptResult struct {
	out []byte
	err error
}

// ExecuteActivity runs the named activity under opts and decodes its result
// into out. A result journaled by an earlier execution of this run is
// returned without calling the activity again.
func (c *Context) ExecuteActivity(opts ActivityOptions, name string, input any, out any) error {
	c.seq++
	seq := c.seq
	log := c.log.With().Str("activity", name).Int("seq", seq).Logger()

	var prior int
	if rec, ok, err := c.engine.opts.Journal.GetActivity(c.run.ID, seq); err != nil {
		log.Error().Err(err).Msg("journal read failed")
	} else if ok {
		switch rec.Status {
		case store.ActivityCompleted:
			log.Debug().Msg("activity replayed from journal")
			c.replayed += rec.Attempts
			return decodeResult([]byte(rec.Result), out)
		case store.ActivityFailed:
			c.replayed += rec.Attempts
			return &ApplicationError{Type: rec.ErrorType, Message: rec.ErrorMessage, NonRetryable: true, Attempts: rec.Attempts}
		case store.ActivityStarted:
			prior = rec.Attempts
		}
	}
	if !c.live {
		// attempts journaled on the run but not on any replayed activity
		// belong to this one
		c.live = true
		prior = max(prior, c.run.Attempts-c.replayed)
	}

	fn, ok := c.engine.activity(name)
	if !ok {
		return NewNonRetryableError(TypeUnknownActivity, fmt.Sprintf("%v: %s", ErrUnknownActivity, name), ErrUnknownActivity)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return NewNonRetryableError(TypeEncoding, fmt.Sprintf("encode %s input: %v", name, err), err)
	}

	policy := opts.RetryPolicy
	if prior > 0 && !policy.HasAttemptsLeft(prior) {
		return c.exhausted(name, seq, prior, log)
	}
	if prior > 0 {
		log.Info().Int("attempts", prior).Msg("activity resumed")
	} else {
		c.run.ErrorType, c.run.ErrorMessage = "", ""
	}
	for attempt := prior + 1; ; attempt++ {
		if err := c.ctx.Err(); err != nil {
			return canceledError(err)
		}
		c.run.Attempts++
		c.run.Status = string(StatusRunning)
		c.engine.update(c.run, log)
		if jerr := c.engine.opts.Journal.SaveActivity(store.ActivityRecord{
			RunID:        c.run.ID,
			Seq:          seq,
			Activity:     name,
			Status:       store.ActivityStarted,
			Attempts:     attempt,
			ErrorType:    c.run.ErrorType,
			ErrorMessage: c.run.ErrorMessage,
		}); jerr != nil {
			log.Error().Err(jerr).Msg("journal activity failed")
		}

		res, err := c.attempt(fn, opts.StartToCloseTimeout, raw)
		if err == nil {
			if jerr := c.engine.opts.Journal.SaveActivity(store.ActivityRecord{
				RunID:    c.run.ID,
				Seq:      seq,
				Activity: name,
				Status:   store.ActivityCompleted,
				Attempts: attempt,
				Result:   string(res),
			}); jerr != nil {
				log.Error().Err(jerr).Msg("journal activity failed")
			}
			return decodeResult(res, out)
		}
		if c.ctx.Err() != nil {
			return canceledError(err)
		}

		ae := AsApplicationError(err)
		if !policy.IsRetryable(ae) || !policy.HasAttemptsLeft(attempt) {
			ae.Attempts = attempt
			c.saveFailed(name, seq, ae, log)
			log.Warn().Str("error_type", ae.Type).Str("error", ae.Message).Int("attempt", attempt).Bool("retryable", !ae.NonRetryable).Msg("activity failed")
			return ae
		}

		wait := policy.Backoff(attempt)
		log.Info().Str("error_type", ae.Type).Str("error", ae.Message).Int("attempt", attempt).Dur("backoff", wait).Msg("activity attempt failed, retrying")
		c.run.Status = string(StatusRetrying)
		c.run.ErrorType, c.run.ErrorMessage = ae.Type, ae.Message
		c.engine.update(c.run, log)

		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return canceledError(c.ctx.Err())
		case <-timer.C:
		}
	}
}

// exhausted fails an activity whose attempts were all spent before a restart.
// The last journaled failure is reported when there is one.
func (c *Context) exhausted(name string, seq, attempts int, log zerolog.Logger) error {
	ae := &ApplicationError{Type: c.run.ErrorType, Message: c.run.ErrorMessage, NonRetryable: true, Attempts: attempts}
	if ae.Type == "" {
		ae.Type = TypeGeneric
		ae.Message = fmt.Sprintf("%s interrupted after %d attempts", name, attempts)
	}
	c.saveFailed(name, seq, ae, log)
	log.Warn().Str("error_type", ae.Type).Int("attempts", attempts).Msg("activity attempts exhausted before restart")
	return ae
}

func (c *Context) saveFailed(name string, seq int, ae *ApplicationError, log zerolog.Logger) {
	if jerr := c.engine.opts.Journal.SaveActivity(store.ActivityRecord{
		RunID:        c.run.ID,
		Seq:          seq,
		Activity:     name,
		Status:       store.ActivityFailed,
		Attempts:     ae.Attempts,
		ErrorType:    ae.Type,
		ErrorMessage: ae.Message,
	}); jerr != nil {
		log.Error().Err(jerr).Msg("journal activity failed")
	}
}

// attempt runs fn once. The call is abandoned, not interrupted, when the
// attempt timeout or run cancellation fires first.
func (c *Context) attempt(fn ActivityFunc, timeout time.Duration, input []byte) ([]byte, error) {
	actx, cancel := c.ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(c.ctx, timeout)
	}
	defer cancel()

	ch := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Str("stack", string(debug.Stack())).Msg("activity panic")
				ch <- attemptResult{err: NewApplicationError(TypePanic, fmt.Sprintf("activity panic: %v", r), nil)}
			}
		}()
		out, err := fn(actx, input)
		ch <- attemptResult{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && c.ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, NewApplicationError(TypeTimeout, fmt.Sprintf("activity exceeded %s", timeout), r.err)
		}
		return r.out, r.err
	case <-actx.Done():
		if c.ctx.Err() != nil {
			return nil, c.ctx.Err()
		}
		return nil, NewApplicationError(TypeTimeout, fmt.Sprintf("activity exceeded %s", timeout), actx.Err())
	}
}

func decodeResult(raw []byte, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewNonRetryableError(TypeEncoding, fmt.Sprintf("decode activity result: %v", err), err)
	}
	return nil
}
