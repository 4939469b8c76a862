package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestServeWhileRunningDrainsOnServerError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errListen := errors.New("listen grpc :9090: address already in use")
	var drained bool
	err := serveWhileRunning(ctx,
		func(context.Context) error { return errListen },
		func(runCtx context.Context) error {
			<-runCtx.Done()
			drained = ctx.Err() == nil
			return nil
		},
	)
	if !errors.Is(err, errListen) {
		t.Errorf("err = %v, want the server error", err)
	}
	if !drained {
		t.Error("runner was not stopped by the server failure")
	}
}

func TestServeWhileRunningStopsServerAfterRunner(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var stopped bool
	err := serveWhileRunning(ctx,
		func(srvCtx context.Context) error {
			<-srvCtx.Done()
			stopped = ctx.Err() == nil
			return nil
		},
		func(context.Context) error { return nil },
	)
	if err != nil {
		t.Fatalf("serveWhileRunning: %v", err)
	}
	if !stopped {
		t.Error("server was not stopped when the runner returned")
	}
}
