package workflows

import (
	"context"
	"time"

	"ttai-workers/internal/activity"
	"ttai-workers/internal/orchestrator"
)

const (
	GetQuoteName  = "GetQuoteWorkflow"
	GetQuotesName = "GetQuotesWorkflow"

	DefaultActivityTimeout = 30 * time.Second
)

type GetQuoteInput struct {
	Symbol string `json:"symbol"`
}

type GetQuoteResult = activity.FetchResult

type GetQuotesInput struct {
	Symbols []string `json:"symbols"`
}

type GetQuotesResult = activity.BatchResult

type Config struct {
	ActivityTimeout time.Duration
	RetryPolicy     orchestrator.RetryPolicy
	// AuthErrorsRetryable drops AuthError from the non-retryable types.
	AuthErrorsRetryable bool
}

func DefaultConfig() Config {
	return Config{
		ActivityTimeout: DefaultActivityTimeout,
		RetryPolicy: orchestrator.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
}

// ActivityOptions returns the options every quote workflow runs its activity with.
func (c Config) ActivityOptions() orchestrator.ActivityOptions {
	policy := c.RetryPolicy
	policy.NonRetryableErrorTypes = append([]string{activity.ErrQuoteNotFound, activity.ErrInvalidSymbol}, policy.NonRetryableErrorTypes...)
	if !c.AuthErrorsRetryable {
		policy.NonRetryableErrorTypes = append(policy.NonRetryableErrorTypes, activity.ErrAuth)
	}
	timeout := c.ActivityTimeout
	if timeout <= 0 {
		timeout = DefaultActivityTimeout
	}
	return orchestrator.ActivityOptions{StartToCloseTimeout: timeout, RetryPolicy: policy}
}

// Register installs the quote activities and workflows on e.
func Register(e *orchestrator.Engine, acts *activity.Activities, cfg Config) {
	orchestrator.RegisterActivity(e, activity.FetchQuoteName, acts.FetchQuote)
	orchestrator.RegisterActivity(e, activity.FetchQuotesName, acts.FetchQuotes)

	opts := cfg.ActivityOptions()
	orchestrator.RegisterWorkflow(e, GetQuoteName, func(ctx *Context, in GetQuoteInput) (GetQuoteResult, error) {
		return GetQuote(ctx, opts, in)
	})
	orchestrator.RegisterWorkflow(e, GetQuotesName, func(ctx *Context, in GetQuotesInput) (GetQuotesResult, error) {
		return GetQuotes(ctx, opts, in)
	})
}

type Context = orchestrator.Context

func GetQuote(ctx *Context, opts orchestrator.ActivityOptions, in GetQuoteInput) (GetQuoteResult, error) {
	log := ctx.Logger()
	log.Info().Str("symbol", in.Symbol).Msg("get quote started")

	var res GetQuoteResult
	if err := ctx.ExecuteActivity(opts, activity.FetchQuoteName, activity.FetchRequest{Symbol: in.Symbol}, &res); err != nil {
		return GetQuoteResult{}, err
	}
	log.Info().
		Str("symbol", res.Symbol).
		Bool("cached", res.Cached).
		Float64("bid", res.BidPrice).
		Float64("ask", res.AskPrice).
		Msg("get quote completed")
	return res, nil
}

func GetQuotes(ctx *Context, opts orchestrator.ActivityOptions, in GetQuotesInput) (GetQuotesResult, error) {
	var res GetQuotesResult
	if err := ctx.ExecuteActivity(opts, activity.FetchQuotesName, activity.BatchRequest{Symbols: in.Symbols}, &res); err != nil {
		return GetQuotesResult{}, err
	}
	log := ctx.Logger()
	log.Info().Int("quotes", len(res.Quotes)).Strs("missing", res.Missing).Msg("get quotes completed")
	return res, nil
}

// SubmitGetQuote starts GetQuoteWorkflow for symbol. An empty id lets the engine pick one.
func SubmitGetQuote(ctx context.Context, e *orchestrator.Engine, id, symbol string) (*orchestrator.Handle, error) {
	return e.Submit(ctx, orchestrator.StartOptions{ID: id, Workflow: GetQuoteName}, GetQuoteInput{Symbol: symbol})
}

func SubmitGetQuotes(ctx context.Context, e *orchestrator.Engine, id string, symbols []string) (*orchestrator.Handle, error) {
	return e.Submit(ctx, orchestrator.StartOptions{ID: id, Workflow: GetQuotesName}, GetQuotesInput{Symbols: symbols})
}
