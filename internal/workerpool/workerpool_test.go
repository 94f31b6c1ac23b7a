package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestSubmitWait_RunsAndReturnsError(t *testing.T) {
	p := New(2, 0)
	defer p.StopWait()

	wantErr := errors.New("boom")
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestVerifyAll_RunsEveryJobAndReportsFirstError(t *testing.T) {
	p := New(4, 0)
	defer p.StopWait()

	var ran int32
	jobs := make([]Job, 10)
	for i := range jobs {
		i := i
		jobs[i] = func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			if i == 3 {
				return errors.New("job 3 failed")
			}
			return nil
		}
	}

	err := p.VerifyAll(context.Background(), jobs)
	if err == nil {
		t.Fatal("expected an error from job 3")
	}
	if got := atomic.LoadInt32(&ran); got != int32(len(jobs)) {
		t.Fatalf("expected all %d jobs to run, got %d", len(jobs), got)
	}
}

func TestVerifyAll_AllSucceed(t *testing.T) {
	p := New(2, 0)
	defer p.StopWait()

	jobs := []Job{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
	}
	if err := p.VerifyAll(context.Background(), jobs); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestNew_DefaultsSizeFromReservedCores(t *testing.T) {
	p := New(0, 1000) // more reserved than available cores
	defer p.StopWait()

	if p == nil {
		t.Fatal("expected a non-nil pool even when reservedCores exceeds NumCPU")
	}
}
