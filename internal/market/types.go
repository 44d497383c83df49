package market

import (
	"context"

	"ttai-workers/internal/quote"
)

// Provider fetches current quotes. Symbols with no data are omitted from
// the result; that alone is not an error.
type Provider interface {
	Name() string
	GetQuotes(ctx context.Context, symbols []string) ([]quote.Record, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, symbols []string) ([]quote.Record, error)

func (f ProviderFunc) Name() string { return "func" }

func (f ProviderFunc) GetQuotes(ctx context.Context, symbols []string) ([]quote.Record, error) {
	return f(ctx, symbols)
}
