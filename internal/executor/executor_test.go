package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunExecutesAllTasks(t *testing.T) {
	e := New(4)
	var count int32
	tasks := make([]func(context.Context) error, 10)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		}
	}
	if err := e.Run(context.Background(), tasks...); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if count != 10 {
		t.Fatalf("count = %d, want 10", count)
	}
}

func TestRunPropagatesFirstError(t *testing.T) {
	e := New(2)
	wantErr := errors.New("boom")
	err := e.Run(context.Background(),
		func(context.Context) error { return nil },
		func(context.Context) error { return wantErr },
	)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run error = %v, want %v", err, wantErr)
	}
}

func TestRunCollectPreservesOrder(t *testing.T) {
	e := New(4)
	fns := make([]func(context.Context) (int, error), 20)
	for i := range fns {
		i := i
		fns[i] = func(context.Context) (int, error) { return i * i, nil }
	}
	got, err := RunCollect(context.Background(), e, fns)
	if err != nil {
		t.Fatalf("RunCollect: %v", err)
	}
	for i, v := range got {
		if v != i*i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i*i)
		}
	}
}
