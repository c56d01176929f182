package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/stkpay/internal/clock"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"go.uber.org/zap"
)

// ReadCache holds gateway read results: summaries, history pages and
// transaction pages. Entries are snapshots and are cloned on the way out.
type ReadCache interface {
	GetSummary(ctx context.Context, windowDays int) (domain.PaymentSummary, bool)
	SetSummary(ctx context.Context, windowDays int, summary domain.PaymentSummary, ttl time.Duration)
	GetHistory(params domain.HistoryParams) (domain.Page[domain.Payment], bool)
	SetHistory(params domain.HistoryParams, page domain.Page[domain.Payment], ttl time.Duration)
	GetTransactions(params domain.TransactionParams) (domain.Page[domain.Transaction], bool)
	SetTransactions(params domain.TransactionParams, page domain.Page[domain.Transaction], ttl time.Duration)
	// Invalidate drops everything derived from payment state.
	Invalidate(ctx context.Context)
}

type readCache struct {
	summaries    Cache[int, domain.PaymentSummary]
	history      Cache[string, domain.Page[domain.Payment]]
	transactions Cache[string, domain.Page[domain.Transaction]]
	shared       *RedisSummaryStore
	log          *zap.Logger
}

// NewReadCache keeps reads in process and, when redis is configured, shares
// summaries through it.
func NewReadCache(client *redis.Client, clk clock.Clock, log *zap.Logger) ReadCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &readCache{
		summaries:    NewTTLCacheWithClock[int, domain.PaymentSummary](clk),
		history:      NewTTLCacheWithClock[string, domain.Page[domain.Payment]](clk),
		transactions: NewTTLCacheWithClock[string, domain.Page[domain.Transaction]](clk),
		shared:       NewRedisSummaryStore(client),
		log:          log.Named("cache.read"),
	}
}

func (c *readCache) GetSummary(ctx context.Context, windowDays int) (domain.PaymentSummary, bool) {
	if summary, ok := c.summaries.Get(windowDays); ok {
		return summary.Clone(), true
	}
	if c.shared == nil {
		return domain.PaymentSummary{}, false
	}
	summary, ok, err := c.shared.Get(ctx, windowDays)
	if err != nil {
		c.log.Warn("shared summary lookup failed", zap.Int("window_days", windowDays), zap.Error(err))
		return domain.PaymentSummary{}, false
	}
	return summary, ok
}

func (c *readCache) SetSummary(ctx context.Context, windowDays int, summary domain.PaymentSummary, ttl time.Duration) {
	c.summaries.Set(windowDays, summary.Clone(), ttl)
	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, windowDays, summary, ttl); err != nil {
		c.log.Warn("shared summary store failed", zap.Int("window_days", windowDays), zap.Error(err))
	}
}

func (c *readCache) GetHistory(params domain.HistoryParams) (domain.Page[domain.Payment], bool) {
	page, ok := c.history.Get(historyKey(params))
	if !ok {
		return page, false
	}
	return clonePaymentPage(page), true
}

func (c *readCache) SetHistory(params domain.HistoryParams, page domain.Page[domain.Payment], ttl time.Duration) {
	c.history.Set(historyKey(params), clonePaymentPage(page), ttl)
}

func (c *readCache) GetTransactions(params domain.TransactionParams) (domain.Page[domain.Transaction], bool) {
	page, ok := c.transactions.Get(transactionKey(params))
	if !ok {
		return page, false
	}
	return cloneTransactionPage(page), true
}

func (c *readCache) SetTransactions(params domain.TransactionParams, page domain.Page[domain.Transaction], ttl time.Duration) {
	c.transactions.Set(transactionKey(params), cloneTransactionPage(page), ttl)
}

func (c *readCache) Invalidate(ctx context.Context) {
	c.summaries.Purge()
	c.history.Purge()
	c.transactions.Purge()
	if c.shared == nil {
		return
	}
	if err := c.shared.Invalidate(ctx); err != nil {
		c.log.Warn("shared summary invalidation failed", zap.Error(err))
	}
}

func clonePaymentPage(page domain.Page[domain.Payment]) domain.Page[domain.Payment] {
	out := page
	out.Results = make([]domain.Payment, len(page.Results))
	for i, p := range page.Results {
		out.Results[i] = p.Clone()
	}
	return out
}

func cloneTransactionPage(page domain.Page[domain.Transaction]) domain.Page[domain.Transaction] {
	out := page
	out.Results = make([]domain.Transaction, len(page.Results))
	for i, t := range page.Results {
		out.Results[i] = t.Clone()
	}
	return out
}

func historyKey(p domain.HistoryParams) string {
	return cacheKey(
		"history",
		p.CustomerID,
		p.LoanID,
		formatTime(p.StartDate),
		formatTime(p.EndDate),
		string(p.Status),
		string(p.PaymentType),
		formatDecimal(p.MinAmount),
		formatDecimal(p.MaxAmount),
		fmt.Sprintf("p%d", p.Page),
		fmt.Sprintf("s%d", p.PageSize),
	)
}

func transactionKey(p domain.TransactionParams) string {
	return cacheKey(
		"transactions",
		formatTime(p.StartDate),
		formatTime(p.EndDate),
		p.PhoneNumber,
		p.ReceiptNumber,
		string(p.Status),
		p.TransactionType,
		fmt.Sprintf("p%d", p.Page),
		fmt.Sprintf("s%d", p.PageSize),
	)
}

// cacheKey length-prefixes every part so values are kept verbatim and no
// combination of filters can produce another's key.
func cacheKey(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatDecimal(v *decimal.Decimal) string {
	if v == nil {
		return ""
	}
	return v.String()
}
