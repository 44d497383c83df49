package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const resultPollInterval = 100 * time.Millisecond

// Handle refers to one run by ID. It stays valid across restarts.
type Handle struct {
	ID     string
	engine *Engine
}

func (h *Handle) Describe(ctx context.Context) (RunInfo, error) {
	if err := ctx.Err(); err != nil {
		return RunInfo{}, err
	}
	return h.engine.Describe(h.ID)
}

func (h *Handle) Cancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.engine.Cancel(h.ID)
}

// Result blocks until the run closes or ctx is done. A failed or canceled
// run is returned as an *ApplicationError carrying the final type and message.
func (h *Handle) Result(ctx context.Context, out any) error {
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for {
		info, err := h.engine.Describe(h.ID)
		if err != nil {
			return err
		}
		if info.Status.Closed() {
			return closedResult(info, out)
		}

		var done <-chan struct{}
		if rs := h.engine.tracked(h.ID); rs != nil {
			done = rs.done
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
}

// TryResult is the non-blocking form of Result; ok is false while the run is open.
func (h *Handle) TryResult(out any) (bool, error) {
	info, err := h.engine.Describe(h.ID)
	if err != nil {
		return false, err
	}
	if !info.Status.Closed() {
		return false, nil
	}
	return true, closedResult(info, out)
}

func closedResult(info RunInfo, out any) error {
	switch info.Status {
	case StatusCompleted:
		if out == nil || len(info.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(info.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return nil
	default:
		return &ApplicationError{
			Type:         info.ErrorType,
			Message:      info.ErrorMessage,
			NonRetryable: true,
			Attempts:     info.Attempts,
		}
	}
}
