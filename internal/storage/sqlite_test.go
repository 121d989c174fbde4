package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "chanpost/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "chanpost.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st != nil {
		t.Fatal("disabled storage should return a nil store")
	}
}

func TestBatchRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	b := BatchRecord{
		ID: "b1", ChatID: -100123, UserID: 7, State: "pending",
		Interval: time.Minute, CreatedAt: created,
	}
	if err := st.SaveBatch(ctx, b); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	got, err := st.ListBatches(ctx, "pending")
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b1" || got[0].Interval != time.Minute {
		t.Fatalf("unexpected batches: %+v", got)
	}
	if !got[0].CompletedAt.IsZero() {
		t.Fatalf("CompletedAt should be zero, got %v", got[0].CompletedAt)
	}

	done := created.Add(time.Hour)
	if err := st.UpdateBatchState(ctx, "b1", "completed", done); err != nil {
		t.Fatalf("UpdateBatchState: %v", err)
	}
	got, err = st.ListBatches(ctx, "completed")
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(got) != 1 || !got[0].CompletedAt.Equal(done) {
		t.Fatalf("unexpected completed batch: %+v", got)
	}

	n, err := st.PruneBatches(ctx, done.Add(time.Second))
	if err != nil {
		t.Fatalf("PruneBatches: %v", err)
	}
	if n != 1 {
		t.Fatalf("PruneBatches removed %d, want 1", n)
	}
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	due := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	jobs := []JobRecord{
		{ID: "j2", BatchID: "b1", ChatID: 1, PostID: "p2", PostJSON: `{}`, NotBefore: due.Add(time.Minute), Seq: 2},
		{ID: "j1", BatchID: "b1", ChatID: 1, PostID: "p1", PostJSON: `{}`, NotBefore: due, Seq: 1},
	}
	if err := st.SaveJobs(ctx, jobs); err != nil {
		t.Fatalf("SaveJobs: %v", err)
	}

	got, err := st.ListPendingJobs(ctx)
	if err != nil {
		t.Fatalf("ListPendingJobs: %v", err)
	}
	if len(got) != 2 || got[0].ID != "j1" || got[1].ID != "j2" {
		t.Fatalf("jobs out of order: %+v", got)
	}

	retry := due.Add(30 * time.Second)
	if err := st.UpdateJob(ctx, "j1", retry, 2); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	got, _ = st.ListPendingJobs(ctx)
	if got[0].Attempt != 2 || !got[0].NotBefore.Equal(retry) {
		t.Fatalf("job not updated: %+v", got[0])
	}

	if err := st.DeleteJob(ctx, "j1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	n, err := st.DeleteJobsForBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("DeleteJobsForBatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteJobsForBatch removed %d, want 1", n)
	}
}

func TestFingerprintRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	at := time.Now()

	// Top-bit-set hash exercises the signed/unsigned conversion.
	big := uint64(0xFFFFFFFFFFFFFFFF)
	if err := st.AppendFingerprint(ctx, 1, big, at); err != nil {
		t.Fatalf("AppendFingerprint: %v", err)
	}
	if err := st.AppendFingerprint(ctx, 1, big, at); err != nil {
		t.Fatalf("duplicate append should be a no-op: %v", err)
	}
	if err := st.AppendFingerprint(ctx, 2, 42, at); err != nil {
		t.Fatalf("AppendFingerprint: %v", err)
	}

	got, err := st.ListFingerprints(ctx)
	if err != nil {
		t.Fatalf("ListFingerprints: %v", err)
	}
	if len(got[1]) != 1 || got[1][0] != big {
		t.Fatalf("chat 1 fingerprints = %v", got[1])
	}
	if len(got[2]) != 1 || got[2][0] != 42 {
		t.Fatalf("chat 2 fingerprints = %v", got[2])
	}
}
