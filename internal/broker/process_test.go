package broker

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/midst/internal/worker"
)

const helperEnv = "MIDST_BROKER_HELPER_WORKER"

// TestMain lets the test binary double as a parse-worker process.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		err := worker.Serve(context.Background(), os.Stdin, os.Stdout, worker.New(), quietLogger())
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperSpawner(t *testing.T) ProcessSpawner {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return ProcessSpawner{
		Path:   exe,
		Env:    []string{helperEnv + "=1"},
		Stderr: io.Discard,
	}
}

func TestProcessSpawner_RoundTrip(t *testing.T) {
	w, err := helperSpawner(t).Spawn(context.Background())
	require.NoError(t, err)

	resp, err := w.Parse(context.Background(), worker.Request{
		CorrelationID:    "p-1",
		RawSnapshotsJSON: []byte(`[{"text":"A"},{"text":"B"}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, "p-1", resp.CorrelationID)
	require.Len(t, resp.Snapshots, 2)
	assert.Equal(t, `{"text":"B"}`, resp.Snapshots[1].String())

	// The same process serves the next job.
	resp, err = w.Parse(context.Background(), worker.Request{CorrelationID: "p-2", RawSnapshotsJSON: []byte(`[]`)})
	require.NoError(t, err)
	assert.Equal(t, "p-2", resp.CorrelationID)

	assert.NoError(t, w.Close())
}

func TestProcessSpawner_RemoteFailure(t *testing.T) {
	w, err := helperSpawner(t).Spawn(context.Background())
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Parse(context.Background(), worker.Request{CorrelationID: "p-bad", RawSnapshotsJSON: []byte(`[`)})
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.NotEmpty(t, re.Message)
}

func TestBroker_WithProcessWorkers(t *testing.T) {
	b := New(helperSpawner(t), WithPoolSize(1), WithLogger(quietLogger()))

	require.NoError(t, b.Dispatch(context.Background(), "proc", []byte(`[{"n":1}]`)))
	res := receive(t, b)
	require.True(t, res.OK(), "unexpected error: %v", res.Err)
	assert.Equal(t, "proc", res.CorrelationID)
	require.Len(t, res.Snapshots, 1)

	require.NoError(t, b.Close())
}
