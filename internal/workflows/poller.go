package workflows

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ttai-workers/internal/orchestrator"
)

const defaultPollInterval = 3 * time.Second

// Poller keeps the quote cache warm for a watchlist by submitting
// GetQuotesWorkflow on an interval that stretches after repeated failures.
type Poller struct {
	engine   *orchestrator.Engine
	symbols  []string
	interval time.Duration
	log      zerolog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
}

func NewPoller(e *orchestrator.Engine, symbols []string, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		engine:   e,
		symbols:  symbols,
		interval: interval,
		log:      log.With().Str("component", "poller").Logger(),
	}
}

// PollOnce runs one GetQuotesWorkflow and waits for it.
func (p *Poller) PollOnce(ctx context.Context) (GetQuotesResult, error) {
	var res GetQuotesResult
	h, err := SubmitGetQuotes(ctx, p.engine, "", p.symbols)
	if err == nil {
		err = h.Result(ctx, &res)
	}

	p.mu.Lock()
	if err != nil {
		p.consecutiveFailures++
	} else {
		p.consecutiveFailures = 0
	}
	failures := p.consecutiveFailures
	p.mu.Unlock()

	if err != nil {
		p.log.Warn().Err(err).Int("failures", failures).Msg("poll failed")
		return GetQuotesResult{}, err
	}
	return res, nil
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.symbols) == 0 {
		<-ctx.Done()
		return nil
	}
	p.log.Info().Strs("symbols", p.symbols).Dur("interval", p.interval).Msg("poller started")
	for {
		_, err := p.PollOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		timer := time.NewTimer(p.nextInterval(err != nil))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (p *Poller) nextInterval(failed bool) time.Duration {
	if !failed {
		return p.interval
	}
	p.mu.Lock()
	failures := p.consecutiveFailures
	p.mu.Unlock()
	if failures >= 6 {
		return p.interval * 4
	}
	if failures >= 3 {
		return p.interval * 2
	}
	return p.interval
}
