package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// RunStats summarizes one fan-out over customers
type RunStats struct {
	Customers int
	Changed   int
	Errors    int
}

// forEachCustomer runs fn for every id, at most Concurrency at a time. fn
// reports whether it changed anything. Failures are logged and counted;
// they never cancel the other customers.
func (s *Scheduler) forEachCustomer(ctx context.Context, job string, ids []int64, fn func(ctx context.Context, id int64) (bool, error)) RunStats {
	var changed, failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				failures.Add(1)
				return nil
			}
			ok, err := fn(gctx, id)
			s.metrics.JobCustomer(job, err)
			if err != nil {
				failures.Add(1)
				s.logger.WithFields(logrus.Fields{
					"job":         job,
					"customer_id": id,
					"error_kind":  string(billing.KindOf(err)),
				}).WithError(err).Error("Job failed for customer")
				return nil
			}
			if ok {
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := RunStats{Customers: len(ids), Changed: int(changed.Load()), Errors: int(failures.Load())}
	s.logger.WithFields(logrus.Fields{
		"job":       job,
		"customers": stats.Customers,
		"changed":   stats.Changed,
		"errors":    stats.Errors,
	}).Info("Job fan-out finished")
	return stats
}

func (s *Scheduler) sweep(ctx context.Context) error {
	res, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep outstanding records: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"job":       JobSweep,
		"customers": res.Customers,
		"paid":      res.Paid,
		"errors":    res.Errors,
	}).Info("Sweep summary")
	return nil
}

func (s *Scheduler) applySchedules(ctx context.Context) error {
	ids, err := s.customers.ListCustomersWithDueSchedules(ctx, s.orch.Clock().Now())
	if err != nil {
		return fmt.Errorf("failed to list customers with due schedules: %w", err)
	}
	s.forEachCustomer(ctx, JobSchedules, ids, func(ctx context.Context, id int64) (bool, error) {
		n, err := s.orch.ApplyDueSchedules(ctx, id)
		return n > 0, err
	})
	return nil
}

// closePeriods closes every draft from an earlier period and makes sure
// customers with live services have a draft for the current one
func (s *Scheduler) closePeriods(ctx context.Context) error {
	periodStart := billing.PeriodStart(s.orch.Clock().Now())
	stale, err := s.customers.ListCustomersWithDraftsBefore(ctx, periodStart)
	if err != nil {
		return fmt.Errorf("failed to list customers with open drafts: %w", err)
	}
	active, err := s.customers.ListCustomersWithActiveServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list customers with active services: %w", err)
	}

	s.forEachCustomer(ctx, JobClosePeriod, union(stale, active), func(ctx context.Context, id int64) (bool, error) {
		closed, err := s.orch.ClosePeriod(ctx, id)
		return closed != nil, err
	})
	return nil
}

func (s *Scheduler) enforceGrace(ctx context.Context) error {
	cutoff := s.orch.Clock().Now().AddDate(0, 0, -s.orch.Config().GracePeriodDays)
	ids, err := s.customers.ListCustomersInGraceSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list customers past their grace period: %w", err)
	}
	s.forEachCustomer(ctx, JobGrace, ids, func(ctx context.Context, id int64) (bool, error) {
		n, err := s.orch.EnforceGracePeriod(ctx, id)
		return n > 0, err
	})
	return nil
}

func union(lists ...[]int64) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, ids := range lists {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
