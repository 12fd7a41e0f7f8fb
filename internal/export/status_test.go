package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporterFansOutInOrder(t *testing.T) {
	r := NewReporter()
	var calls []string
	r.Subscribe(func(GenerationStatus) { calls = append(calls, "first") })
	r.Subscribe(nil)
	unsubscribe := r.Subscribe(func(GenerationStatus) { calls = append(calls, "second") })
	r.Subscribe(func(GenerationStatus) { calls = append(calls, "third") })

	r.begin("r1", 1)
	assert.Equal(t, []string{"first", "second", "third"}, calls)

	calls = nil
	unsubscribe()
	unsubscribe()
	r.checkpoint(ProgressCaptureStart)
	assert.Equal(t, []string{"first", "third"}, calls)
}

func TestReporterProgressIsMonotonic(t *testing.T) {
	r := NewReporter()
	var seen []int
	r.Subscribe(func(s GenerationStatus) { seen = append(seen, s.Progress) })

	r.begin("r1", 1)
	r.checkpoint(ProgressCaptureStart)
	r.checkpoint(ProgressSplitDone)
	r.checkpoint(ProgressCaptureDone)
	r.checkpoint(ProgressSplitDone)
	r.checkpoint(ProgressAssembled)

	assert.Equal(t, []int{0, 10, 60, 80}, seen)
	assert.Equal(t, ProgressAssembled, r.Current().Progress)
}

func TestReporterRetryResetsProgress(t *testing.T) {
	r := NewReporter()
	r.begin("r1", 1)
	r.checkpoint(ProgressAssembled)
	r.retrying(2, 1500*time.Millisecond)

	st := r.Current()
	assert.True(t, st.IsGenerating)
	assert.True(t, st.Retrying)
	assert.Equal(t, 0, st.Progress)
	assert.Equal(t, 2, st.Attempt)
	assert.Equal(t, int64(1500), st.NextRetryMs)
	assert.False(t, st.Terminal())

	r.begin("r1", 2)
	assert.True(t, r.Current().Retrying)
}

func TestReporterTerminalStates(t *testing.T) {
	r := NewReporter()
	r.begin("r1", 1)
	r.complete(3, []string{"page 2 skipped"})
	st := r.Current()
	assert.True(t, st.Terminal())
	assert.True(t, st.Completed)
	assert.Empty(t, st.Error)
	assert.False(t, st.IsGenerating)
	assert.Equal(t, ProgressDelivered, st.Progress)
	assert.Equal(t, 3, st.Pages)

	// Copies handed out do not alias the reporter's state.
	st.Warnings[0] = "mutated"
	assert.Equal(t, "page 2 skipped", r.Current().Warnings[0])

	r.begin("r2", 1)
	r.checkpoint(ProgressCaptureStart)
	r.checkpoint(ProgressCaptureStart + 5)
	r.fail("r2", "The report could not be generated.")
	st = r.Current()
	require.True(t, st.Terminal())
	assert.False(t, st.Completed)
	assert.Equal(t, "The report could not be generated.", st.Error)
	assert.Equal(t, 15, st.Progress)

	// Checkpoints after a terminal state are ignored.
	r.checkpoint(ProgressDelivered)
	assert.Equal(t, 15, r.Current().Progress)
}

func TestReporterObserverMaySubscribe(t *testing.T) {
	r := NewReporter()
	var (
		nested     int
		subscribed bool
	)
	r.Subscribe(func(GenerationStatus) {
		if !subscribed {
			subscribed = true
			r.Subscribe(func(GenerationStatus) { nested++ })
		}
		_ = r.Current()
	})
	r.begin("r1", 1)
	r.checkpoint(ProgressCaptureStart)
	assert.Equal(t, 1, nested)
}
