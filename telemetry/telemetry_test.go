package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoopHandleDiscardsEverything(t *testing.T) {
	handle := Noop()
	ctx := context.Background()

	require.NotPanics(t, func() {
		handle.Logger.Info(ctx, "hello", "k", "v")
		handle.Metrics.IncCounter("c", 1, "tag", "v")
		handle.Metrics.RecordTimer("t", time.Millisecond)
		_, span := handle.Tracer.Start(ctx, "op")
		span.AddEvent("e")
		span.End()
	})
}
