package stats

import (
	"context"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// LogSource is the read surface of the usage log needed for aggregation.
type LogSource interface {
	CountUsageSince(ctx context.Context, since time.Time) (int64, error)
	ListUsageUserIDs(ctx context.Context) ([]string, error)
	ListUsageTimes(ctx context.Context) ([]time.Time, error)
}

// ChatStats holds the dashboard counters. AverageQueriesPerUser divides the
// yearly count by the all-time distinct user count, rounded; it is 0 when no
// user ids were ever logged.
type ChatStats struct {
	WeeklyCount           int64 `json:"weekly_count"`
	MonthlyCount          int64 `json:"monthly_count"`
	YearlyCount           int64 `json:"yearly_count"`
	TotalUsers            int   `json:"total_users"`
	AverageQueriesPerUser int   `json:"average_queries_per_user"`
}

// ChartPoint is one day of usage, Date formatted as YYYY-MM-DD (UTC).
type ChartPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type Aggregator struct {
	source LogSource
	epoch  time.Time
}

// NewAggregator builds an aggregator whose yearly window starts at January 1
// of epochYear, midnight local time.
func NewAggregator(source LogSource, epochYear int) *Aggregator {
	return &Aggregator{
		source: source,
		epoch:  time.Date(epochYear, time.January, 1, 0, 0, 0, 0, time.Local),
	}
}

// Stats computes the window counters relative to now. The three window
// counts and the user id scan run concurrently; the first failure aborts
// the whole aggregation.
func (a *Aggregator) Stats(ctx context.Context, now time.Time) (ChatStats, error) {
	var (
		weekly, monthly, yearly int64
		userIDs                 []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		weekly, err = a.source.CountUsageSince(gctx, StartOfWeek(now))
		return err
	})
	g.Go(func() (err error) {
		monthly, err = a.source.CountUsageSince(gctx, StartOfMonth(now))
		return err
	})
	g.Go(func() (err error) {
		yearly, err = a.source.CountUsageSince(gctx, a.epoch)
		return err
	})
	g.Go(func() (err error) {
		userIDs, err = a.source.ListUsageUserIDs(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return ChatStats{}, err
	}

	distinct := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		distinct[id] = struct{}{}
	}
	totalUsers := len(distinct)

	average := 0
	if totalUsers > 0 {
		average = int(math.Round(float64(yearly) / float64(totalUsers)))
	}

	return ChatStats{
		WeeklyCount:           weekly,
		MonthlyCount:          monthly,
		YearlyCount:           yearly,
		TotalUsers:            totalUsers,
		AverageQueriesPerUser: average,
	}, nil
}

// Chart buckets every log row by its UTC calendar date, one point per
// distinct day, ascending.
func (a *Aggregator) Chart(ctx context.Context) ([]ChartPoint, error) {
	times, err := a.source.ListUsageTimes(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(times))
	for _, ts := range times {
		counts[ts.UTC().Format("2006-01-02")]++
	}

	days := make([]string, 0, len(counts))
	for day := range counts {
		days = append(days, day)
	}
	sort.Strings(days)

	out := make([]ChartPoint, 0, len(days))
	for _, day := range days {
		out = append(out, ChartPoint{Date: day, Count: counts[day]})
	}
	return out, nil
}

// StartOfWeek returns midnight of the most recent Sunday at or before t.
func StartOfWeek(t time.Time) time.Time {
	day := t.AddDate(0, 0, -int(t.Weekday()))
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, t.Location())
}

func StartOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
