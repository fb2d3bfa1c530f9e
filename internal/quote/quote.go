// Package quote reads the latest price for a trading symbol from a public
// ticker endpoint.
package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/httputil"
	"github.com/shopspring/decimal"
)

type Source interface {
	Price(ctx context.Context, symbol string) (*domain.Quote, error)
}

// TickerSource queries a Binance-style ticker: GET url?symbol=X returns
// {"symbol": "...", "price": "..."} where price may be a string or a number.
// A reply naming a different symbol is rejected.
type TickerSource struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewTickerSource(tickerURL string, client *http.Client) *TickerSource {
	if client == nil {
		client = httputil.NewClient(httputil.QuoteConfig())
	}
	return &TickerSource{
		url:    tickerURL,
		client: client,
		now:    time.Now,
	}
}

type tickerResponse struct {
	Symbol string           `json:"symbol"`
	Price  *decimal.Decimal `json:"price"`
}

func (s *TickerSource) Price(ctx context.Context, symbol string) (*domain.Quote, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("%w: bad quote url: %w", domain.ErrQuote, err)
	}
	q := u.Query()
	q.Set("symbol", symbol)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", domain.ErrQuote, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrQuote, err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadBody(resp.Body, 64<<10)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", domain.ErrQuote, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status=%d body=%s", domain.ErrQuote, resp.StatusCode, httputil.Snippet(body, 256))
	}

	var ticker tickerResponse
	if err := json.Unmarshal(body, &ticker); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", domain.ErrQuote, err)
	}
	if ticker.Symbol != "" && !strings.EqualFold(ticker.Symbol, symbol) {
		return nil, fmt.Errorf("%w: quote is for %s, want %s", domain.ErrQuote, ticker.Symbol, symbol)
	}
	if ticker.Price == nil {
		return nil, fmt.Errorf("%w: response has no price", domain.ErrQuote)
	}
	if !ticker.Price.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive price %s", domain.ErrQuote, ticker.Price)
	}

	return &domain.Quote{
		Symbol:    symbol,
		Price:     *ticker.Price,
		FetchedAt: s.now(),
	}, nil
}
