package export

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var serviceClock = time.Date(2026, 5, 4, 15, 3, 9, 0, time.UTC)

func newTestService(t *testing.T, capturer Capturer, sink Sink, opts ...ServiceOption) *Service {
	t.Helper()
	var (
		mu sync.Mutex
		n  int
	)
	opts = append([]ServiceOption{
		WithClock(func() time.Time { return serviceClock }),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return "rep-" + string(rune('0'+n))
		}),
	}, opts...)
	svc, err := NewService(capturer, sink, fastPolicy(2), opts...)
	require.NoError(t, err)
	return svc
}

func marginsOf(mm float64) *Margins {
	m := UniformMargins(mm)
	return &m
}

func incident(id string) ReportContent {
	return ReportContent{Kind: KindIncident, EntityID: id, Name: "Main St Collision", Title: "Collision"}
}

func TestServicePrepareAppliesDefaults(t *testing.T) {
	svc := newTestService(t, pngCapturer(t, 10, 10), nil)

	p, err := svc.Prepare(Request{Content: incident("INC-7")})
	require.NoError(t, err)
	assert.Equal(t, "incident:INC-7", p.Key)
	assert.Equal(t, "rep-1", p.Job.ID)
	assert.Equal(t, "traffic-report-Main-St-Collision-INC-7-20260504-150309.pdf", p.Job.Filename)
	assert.Equal(t, ReportSelector, p.Job.Surface.Selector)
	assert.Contains(t, p.Job.Surface.HTML, "Collision")
	assert.Empty(t, p.Job.Surface.URL)
	assert.Equal(t, 0.92, p.Job.Quality)
	assert.Equal(t, 2.0, p.Job.Capture.Scale)
	assert.InDelta(t, 190, p.Job.Geometry.AvailableWidth(), 1e-9)
	assert.Equal(t, "Collision", p.Job.Meta.Title)
	assert.Equal(t, serviceClock, p.Job.Meta.CreatedAt)
}

func TestServicePrepareHostedSurface(t *testing.T) {
	svc := newTestService(t, pngCapturer(t, 10, 10), nil)
	p, err := svc.Prepare(Request{
		ID:         "fixed",
		Content:    ReportContent{Kind: KindArea, Name: "Harbour"},
		SurfaceURL: "https://dash.example/areas/harbour",
		Selector:   "#stats",
		Options:    RenderOptions{Format: FormatLetter, Orientation: Landscape, Margins: marginsOf(5), Quality: 1, Scale: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed", p.Job.ID)
	assert.Equal(t, Surface{URL: "https://dash.example/areas/harbour", Selector: "#stats"}, p.Job.Surface)
	assert.InDelta(t, 279.4, p.Job.Geometry.PageWidth, 1e-9)
	assert.True(t, strings.HasPrefix(p.Job.Filename, "traffic-report-Harbour-fixed-"))
}

func TestServicePrepareRejectsBadInput(t *testing.T) {
	svc := newTestService(t, pngCapturer(t, 10, 10), nil)

	_, err := svc.Prepare(Request{Content: ReportContent{Kind: "weather", EntityID: "1"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Prepare(Request{Content: incident("1"), Options: RenderOptions{Background: "blue"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Prepare(Request{Content: incident("1"), Options: RenderOptions{Margins: marginsOf(200)}})
	var geometryErr *GeometryError
	assert.True(t, errors.As(err, &geometryErr))

	_, err = svc.Prepare(Request{Content: incident("1"), Options: RenderOptions{Format: "A0"}})
	assert.True(t, errors.As(err, &geometryErr))
}

func TestServiceExport(t *testing.T) {
	sink := NewMemorySink()
	var observed []GenerationStatus
	var mu sync.Mutex
	// 800x1152 fits one page inside 10mm margins but not on a bare A4 page.
	svc := newTestService(t, pngCapturer(t, 800, 1152), sink, WithStatusObserver(func(s GenerationStatus) {
		mu.Lock()
		observed = append(observed, s)
		mu.Unlock()
	}))

	res, err := svc.Export(context.Background(), Request{Content: incident("INC-9")})
	require.NoError(t, err)
	assert.Equal(t, "rep-1", res.ID)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, "memory", res.Location.Kind)
	assert.True(t, strings.HasPrefix(string(res.Data), "%PDF"))

	mu.Lock()
	last := observed[len(observed)-1]
	mu.Unlock()
	assert.Equal(t, "rep-1", last.ID)
	assert.True(t, last.Completed)

	_, ok := svc.Status("rep-1")
	assert.False(t, ok, "finished reports are not tracked in memory")
}

func TestServiceSerializesPerEntity(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	data := gradientPNG(t, 100, 100)
	capturer := &fakeCapturer{fn: func(ctx context.Context, call int) (Frame, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
		return Frame{Data: data, WidthPx: 100, HeightPx: 100}, nil
	}}
	svc := newTestService(t, capturer, nil)

	results := make(chan *Result, 2)
	id, err := svc.Start(context.Background(), Request{Content: incident("INC-1")}, func(r *Result, err error) {
		assert.NoError(t, err)
		results <- r
	})
	require.NoError(t, err)
	<-entered

	st, ok := svc.Status(id)
	require.True(t, ok)
	assert.True(t, st.IsGenerating)

	// Same entity is rejected, a different one runs alongside.
	_, err = svc.Start(context.Background(), Request{Content: incident("INC-1")}, nil)
	var concurrent *ConcurrentGenerationError
	require.True(t, errors.As(err, &concurrent), "got %v", err)
	assert.Equal(t, id, concurrent.InFlightID)

	_, err = svc.Start(context.Background(), Request{Content: incident("INC-2")}, func(r *Result, err error) {
		assert.NoError(t, err)
		results <- r
	})
	require.NoError(t, err)
	<-entered

	close(release)
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			assert.Equal(t, 1, r.Pages)
		case <-time.After(5 * time.Second):
			t.Fatal("generation did not finish")
		}
	}
}

func TestServiceCancel(t *testing.T) {
	entered := make(chan struct{})
	capturer := &fakeCapturer{fn: func(ctx context.Context, call int) (Frame, error) {
		close(entered)
		<-ctx.Done()
		return Frame{}, ctx.Err()
	}}
	svc := newTestService(t, capturer, nil)

	done := make(chan error, 1)
	id, err := svc.Start(context.Background(), Request{Content: incident("INC-1")}, func(_ *Result, err error) {
		done <- err
	})
	require.NoError(t, err)
	<-entered

	assert.False(t, svc.Cancel("unknown"))
	assert.True(t, svc.Cancel(id))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel had no effect")
	}
	assert.Equal(t, 1, capturer.Calls())
}

func TestServicePrepareMargins(t *testing.T) {
	svc := newTestService(t, pngCapturer(t, 10, 10), nil)

	var omitted, zero RenderOptions
	require.NoError(t, json.Unmarshal([]byte(`{"format":"A4"}`), &omitted))
	require.NoError(t, json.Unmarshal([]byte(`{"margins":{"top":0,"right":0,"bottom":0,"left":0}}`), &zero))

	p, err := svc.Prepare(Request{Content: incident("1"), Options: omitted})
	require.NoError(t, err)
	assert.InDelta(t, 10, p.Job.Geometry.MarginTop, 1e-9)
	assert.InDelta(t, 277, p.Job.Geometry.AvailableHeight(), 1e-9)

	p, err = svc.Prepare(Request{Content: incident("1"), Options: zero})
	require.NoError(t, err)
	assert.InDelta(t, 0, p.Job.Geometry.MarginLeft, 1e-9)
	assert.InDelta(t, 210, p.Job.Geometry.AvailableWidth(), 1e-9)

	p, err = svc.Prepare(Request{Content: incident("1"), Options: RenderOptions{Margins: &Margins{Top: 5, Left: 15}}})
	require.NoError(t, err)
	assert.InDelta(t, 195, p.Job.Geometry.AvailableWidth(), 1e-9)
	assert.InDelta(t, 292, p.Job.Geometry.AvailableHeight(), 1e-9)
}

func TestServicePrepareRejectsBadQuality(t *testing.T) {
	svc := newTestService(t, pngCapturer(t, 10, 10), nil)
	for _, q := range []float64{-0.5, 1.5} {
		_, err := svc.Prepare(Request{Content: incident("1"), Options: RenderOptions{Quality: q}})
		assert.ErrorIs(t, err, ErrInvalidRequest, "quality %v", q)
		var geometryErr *GeometryError
		assert.False(t, errors.As(err, &geometryErr), "quality %v", q)
		assert.Equal(t, "The report request is invalid.", PublicMessage(err))
	}
	_, err := svc.Prepare(Request{Content: incident("1"), Options: RenderOptions{Scale: -1}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestServiceCancelSeesGenerationFromFirstUpdate(t *testing.T) {
	var (
		once      sync.Once
		cancelled = make(chan bool, 1)
		svc       *Service
	)
	svc = newTestService(t, pngCapturer(t, 100, 100), nil, WithStatusObserver(func(s GenerationStatus) {
		if s.IsGenerating {
			once.Do(func() { cancelled <- svc.Cancel(s.ID) })
		}
	}))

	done := make(chan error, 1)
	id, err := svc.Start(context.Background(), Request{Content: incident("INC-3")}, func(_ *Result, err error) {
		done <- err
	})
	require.NoError(t, err)

	assert.True(t, <-cancelled, "cancel from the first status update reaches the generation")
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatalf("report %s did not finish", id)
	}
}
