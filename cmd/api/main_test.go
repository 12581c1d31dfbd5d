package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDrainer struct {
	calls atomic.Int32
}

func (d *recordingDrainer) Shutdown(context.Context) error {
	d.calls.Add(1)
	return nil
}

func TestStartReturnsExitCodeOnBadConfig(t *testing.T) {
	t.Setenv("AI_PROVIDER", "bogus")

	assert.Equal(t, 1, start())
}

func TestRunServerDrainsHijackedConnections(t *testing.T) {
	srv := &http.Server{
		Addr:              "127.0.0.1:0",
		Handler:           http.NotFoundHandler(),
		ReadHeaderTimeout: time.Second,
	}
	drainer := &recordingDrainer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, srv, drainer) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runServer did not return after cancel")
	}
	assert.EqualValues(t, 1, drainer.calls.Load())
}
