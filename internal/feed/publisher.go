package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher pushes trade events to Redis pub/sub, one channel per symbol,
// for consumers outside this process (tickers, market-data recorders).
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a Redis-backed trade event publisher.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish sends the event to the symbol's channel. Failures are logged and
// swallowed: the trade is already committed and the feed is best-effort.
func (p *Publisher) Publish(ctx context.Context, ev TradeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, channelFor(ev.Symbol), data).Err(); err != nil {
		slog.Warn("trade event publish failed", "symbol", ev.Symbol, "err", err)
	}
}

func channelFor(symbol string) string { return fmt.Sprintf("trades.%s", symbol) }
