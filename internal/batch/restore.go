package batch

import (
	"context"
	"encoding/json"

	"chanpost/internal/delivery"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

// Restore rebuilds in-memory batches and the delivery queue from
// persisted state. Call once before traffic starts. Counters restart
// from the surviving jobs; outcomes recorded before the crash are not
// reconstructed, so the eventual completion note covers post-restart
// activity only.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	recs, err := s.store.ListBatches(ctx, StatePending, StateInProgress)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	jobRecs, err := s.store.ListPendingJobs(ctx)
	if err != nil {
		return err
	}

	perBatch := map[string][]delivery.Job{}
	for _, jr := range jobRecs {
		job, ok := s.decodeJob(jr)
		if !ok {
			continue
		}
		perBatch[jr.BatchID] = append(perBatch[jr.BatchID], job)
	}

	now := s.nowSafe()
	var enqueue []delivery.Job
	for _, rec := range recs {
		jobs := perBatch[rec.ID]
		if len(jobs) == 0 {
			// All of its jobs were dispatched before the restart; finish
			// the record quietly, the completion note is long gone.
			if err := s.store.UpdateBatchState(ctx, rec.ID, StateCompleted, now); err != nil {
				s.log.Warn("batch state persistence failed", logx.String("batch", rec.ID), logx.Err(err))
			}
			continue
		}

		b := &batch{
			id:        rec.ID,
			dest:      transport.Destination{ChatID: rec.ChatID},
			userID:    rec.UserID,
			interval:  rec.Interval,
			order:     OrderSequential,
			state:     rec.State,
			total:     len(jobs),
			createdAt: rec.CreatedAt,
		}
		for _, j := range jobs {
			if j.NotBefore.After(b.lastNotBefore) {
				b.lastNotBefore = j.NotBefore
			}
		}

		s.mu.Lock()
		s.batches[rec.ID] = b
		s.mu.Unlock()
		enqueue = append(enqueue, jobs...)

		s.log.Info("batch restored",
			logx.String("batch", rec.ID),
			logx.Int64("chat_id", rec.ChatID),
			logx.String("state", rec.State),
			logx.Int("pending_jobs", len(jobs)))
	}

	// ListPendingJobs returns jobs in (chat, not_before, seq) order, so
	// enqueueing in sequence preserves per-destination tie-breaks.
	s.queue.Enqueue(enqueue...)
	return nil
}

func (s *Service) decodeJob(jr storage.JobRecord) (delivery.Job, bool) {
	var post transport.Post
	if err := json.Unmarshal([]byte(jr.PostJSON), &post); err != nil {
		s.log.Warn("corrupt persisted job dropped",
			logx.String("job", jr.ID),
			logx.Err(err))
		return delivery.Job{}, false
	}
	// Overdue jobs keep their original NotBefore; the queue drains them
	// immediately in order, still gated by the rate limiter.
	return delivery.Job{
		ID:        jr.ID,
		BatchID:   jr.BatchID,
		Dest:      transport.Destination{ChatID: jr.ChatID},
		Post:      post,
		NotBefore: jr.NotBefore,
		Attempt:   jr.Attempt,
	}, true
}
