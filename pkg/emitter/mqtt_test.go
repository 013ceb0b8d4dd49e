package emitter

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"fitsproc/internal/models"
)

func sampleOutcome() models.ProcessingOutcome {
	return models.ProcessingOutcome{
		TaskID:         "0b6d3c1e-8f0a-4c55-9d59-2d9c4c7d8e11",
		Path:           "/data/incoming/raw.fits",
		UniqueName:     "mdm4k.20240301T120000.000000.fits",
		ProcessedPath:  "/data/processed/20240301/raw.fits",
		RepositoryPath: "/data/repository/raw.fits",
		ErrorCount:     1,
		StageLog:       []string{"geometry: ok", "copy: failed: disk full"},
		Duration:       1500 * time.Millisecond,
	}
}

func TestPayloadFieldNames(t *testing.T) {
	payload, err := Encode(sampleOutcome())
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(payload, &fields))
	for _, key := range []string{"task_id", "path", "unique_name", "processed_path", "repository_path", "error_count", "stage_log", "duration"} {
		require.Contains(t, fields, key)
	}
	require.Equal(t, "mdm4k.20240301T120000.000000.fits", fields["unique_name"])

	back, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, sampleOutcome(), back)
}

func TestPublishWithoutConnection(t *testing.T) {
	e := New(Options{Broker: "localhost:1883", Topic: "fitsproc/outcomes"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := e.Publish(context.Background(), sampleOutcome())
	require.ErrorIs(t, err, ErrNotConnected)

	stats := e.Stats()
	require.False(t, stats.Connected)
	require.Equal(t, uint64(1), stats.Errors)
	require.Zero(t, stats.Published)

	e.Disconnect()
}
