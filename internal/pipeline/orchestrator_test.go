package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CROWD_MONITOR/go-backend/internal/analysis"
)

type fakeSource struct {
	frames   int
	count    int
	w, h     int
	failAt   int
	failErr  error
	pos      int
	closed   int
	frameImg image.Image
}

func newFakeSource(frames int) *fakeSource {
	return &fakeSource{
		frames:   frames,
		count:    frames,
		w:        100,
		h:        100,
		failAt:   -1,
		frameImg: image.NewRGBA(image.Rect(0, 0, 100, 100)),
	}
}

func (s *fakeSource) FrameCount() int { return s.count }
func (s *fakeSource) Dimensions() (int, int, float64) { return s.w, s.h, 25 }
func (s *fakeSource) Close() error { s.closed++; return nil }
func (s *fakeSource) Next(context.Context) (image.Image, error) {
	if s.pos == s.failAt {
		return nil, s.failErr
	}
	if s.pos >= s.frames {
		return nil, io.EOF
	}
	s.pos++
	return s.frameImg, nil
}

type fakeOpener struct {
	src  *fakeSource
	err  error
	path string
}

func (o *fakeOpener) Open(path string) (FrameSource, error) {
	o.path = path
	if o.err != nil {
		return nil, o.err
	}
	return o.src, nil
}

type scriptedDetector struct {
	script [][]analysis.Detection
	calls  int
	err    error
	onCall func(call int)
}

func (d *scriptedDetector) Detect(context.Context, image.Image) ([]analysis.Detection, error) {
	call := d.calls
	d.calls++
	if d.onCall != nil {
		d.onCall(call)
	}
	if d.err != nil {
		return nil, d.err
	}
	if call < len(d.script) {
		return d.script[call], nil
	}
	return nil, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []*FrameUpdate
	reports []State
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, u *FrameUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return p.err
}

func (p *recordingPublisher) PublishReport(_ context.Context, _ string, state State, _ *analysis.Report) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, state)
	return nil
}

type countingMetrics struct {
	noopMetrics
	frames, sampled, errs, publishErrs, alerts int
	sessions                                   []string
}

func (m *countingMetrics) IncrementFrames() { m.frames++ }
func (m *countingMetrics) IncrementSampled() { m.sampled++ }
func (m *countingMetrics) IncrementErrors() { m.errs++ }
func (m *countingMetrics) IncrementPublishErrors() { m.publishErrs++ }
func (m *countingMetrics) IncrementAlerts() { m.alerts++ }
func (m *countingMetrics) RecordSession(s string) { m.sessions = append(m.sessions, s) }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func personAt(cx, cy float64) analysis.Detection {
	return analysis.Detection{Label: analysis.PersonLabel, Confidence: 0.8, X1: cx - 5, Y1: cy - 5, X2: cx + 5, Y2: cy + 5}
}

type harness struct {
	src     *fakeSource
	opener  *fakeOpener
	det     *scriptedDetector
	pub     *recordingPublisher
	metrics *countingMetrics
	clock   *fakeClock
	orch    *Orchestrator
}

func newHarness(t *testing.T, frames int, opts Options) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := &harness{
		src:     newFakeSource(frames),
		det:     &scriptedDetector{},
		pub:     &recordingPublisher{},
		metrics: &countingMetrics{},
		clock:   &fakeClock{t: time.Unix(1700000000, 0)},
	}
	h.opener = &fakeOpener{src: h.src}
	orch, err := New(Deps{
		Opener:    h.opener,
		Detector:  h.det,
		Publisher: h.pub,
		Metrics:   h.metrics,
		Log:       logrus.NewEntry(logger),
	}, opts)
	require.NoError(t, err)
	orch.now = h.clock.Now
	h.orch = orch
	return h
}

func TestRunSampledSession(t *testing.T) {
	h := newHarness(t, 10, DefaultOptions())
	h.det.script = [][]analysis.Detection{
		{personAt(10, 10), personAt(12, 14), personAt(8, 20)},
		{},
	}

	out, err := h.orch.Run(context.Background(), "s1", "/tmp/video.mp4")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/video.mp4", h.opener.path)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 10, out.FramesRead)
	assert.Equal(t, 2, out.FramesSampled)
	assert.Equal(t, 2, h.det.calls)

	r := out.Report
	assert.Equal(t, []int{3, 0}, r.PerFrameCounts)
	assert.Equal(t, 3, r.TotalPeople)
	assert.InDelta(t, 1.5, r.AvgPeoplePerFrame, 1e-9)
	assert.InDelta(t, 1.5, r.AvgCellCountsByName()["q1"], 1e-9)
	assert.Len(t, r.CellDangerFlags, 12)

	require.Len(t, h.pub.updates, 2)
	first, second := h.pub.updates[0], h.pub.updates[1]
	assert.Equal(t, 0, first.FrameIndex)
	assert.Equal(t, 5, second.FrameIndex)
	assert.Equal(t, 3, first.Cells.Get(1))
	assert.Equal(t, -3, second.Deltas.Get(1))
	assert.InDelta(t, 10.0, first.Progress, 1e-9)
	assert.InDelta(t, 60.0, second.Progress, 1e-9)
	assert.NotNil(t, first.Heatmap)
	assert.Equal(t, "s1", second.SessionID)

	assert.Equal(t, []State{StateCompleted}, h.pub.reports)
	assert.Equal(t, 1, h.src.closed)
	assert.Equal(t, 10, h.metrics.frames)
	assert.Equal(t, 2, h.metrics.sampled)
	assert.Equal(t, []string{"completed"}, h.metrics.sessions)
}

func TestRunGlobalCapacityAlert(t *testing.T) {
	opts := DefaultOptions()
	opts.Capacity = 2
	h := newHarness(t, 1, opts)
	h.det.script = [][]analysis.Detection{{personAt(10, 10), personAt(50, 50), personAt(90, 90)}}

	out, err := h.orch.Run(context.Background(), "s2", "v.mp4")
	require.NoError(t, err)
	require.Len(t, h.pub.updates, 1)

	global := h.pub.updates[0].Alerts.Global
	assert.True(t, global.Alert)
	assert.Contains(t, global.Message, "3")
	assert.Contains(t, global.Message, "2")
	assert.Equal(t, 1, h.metrics.alerts)
	assert.Equal(t, []int{3}, out.Report.PerFrameCounts)
}

func TestRunEmptySource(t *testing.T) {
	h := newHarness(t, 0, DefaultOptions())

	out, err := h.orch.Run(context.Background(), "s3", "empty.mp4")
	assert.ErrorIs(t, err, ErrEmptySource)
	assert.Nil(t, out)
	assert.Equal(t, 1, h.src.closed)
	assert.Zero(t, h.det.calls)
	assert.Empty(t, h.pub.updates)
	assert.Empty(t, h.pub.reports)
	assert.Equal(t, []string{"failed"}, h.metrics.sessions)
}

func TestRunSourceUnreadable(t *testing.T) {
	h := newHarness(t, 5, DefaultOptions())
	h.opener.err = errors.New("no such codec")

	out, err := h.orch.Run(context.Background(), "s4", "bad.bin")
	assert.ErrorIs(t, err, ErrSourceUnreadable)
	assert.Contains(t, err.Error(), "no such codec")
	assert.Nil(t, out)
	assert.Zero(t, h.src.closed)
}

func TestRunDegenerateDimensions(t *testing.T) {
	h := newHarness(t, 5, DefaultOptions())
	h.src.w = 0

	_, err := h.orch.Run(context.Background(), "s5", "v.mp4")
	assert.ErrorIs(t, err, ErrSourceUnreadable)
	assert.ErrorIs(t, err, analysis.ErrDegenerateFrame)
	assert.Equal(t, 1, h.src.closed)
}

func TestRunDecodeFailureMidStream(t *testing.T) {
	opts := DefaultOptions()
	opts.Stride = 1
	h := newHarness(t, 10, opts)
	h.src.failAt = 3
	h.src.failErr = errors.New("corrupt packet")

	out, err := h.orch.Run(context.Background(), "s6", "v.mp4")
	assert.ErrorIs(t, err, ErrDecodeFailure)
	assert.Nil(t, out)
	assert.Len(t, h.pub.updates, 3)
	assert.Empty(t, h.pub.reports)
	assert.Equal(t, 1, h.src.closed)
	assert.Equal(t, 1, h.metrics.errs)
}

func TestRunTruncatedSourceCompletes(t *testing.T) {
	h := newHarness(t, 3, DefaultOptions())
	h.src.count = 100

	out, err := h.orch.Run(context.Background(), "s7", "v.mp4")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 3, out.FramesRead)
	assert.Equal(t, 1, out.FramesSampled)
}

func TestRunDetectorFailure(t *testing.T) {
	h := newHarness(t, 10, DefaultOptions())
	h.det.err = errors.New("model crashed")

	out, err := h.orch.Run(context.Background(), "s8", "v.mp4")
	assert.ErrorIs(t, err, ErrDetectorFailure)
	assert.Nil(t, out)
	assert.Equal(t, 1, h.src.closed)
}

func TestRunPublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, 10, DefaultOptions())
	h.pub.err = errors.New("observer gone")

	out, err := h.orch.Run(context.Background(), "s9", "v.mp4")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Len(t, h.pub.updates, 2)
	assert.Equal(t, 2, h.metrics.publishErrs)
}

func TestRunTimeoutFinalizesPartialReport(t *testing.T) {
	opts := DefaultOptions()
	opts.Stride = 1
	h := newHarness(t, 20, opts)
	h.det.script = [][]analysis.Detection{{personAt(10, 10)}, {personAt(10, 10), personAt(90, 90)}}
	h.det.onCall = func(int) { h.clock.Advance(40 * time.Second) }

	out, err := h.orch.Run(context.Background(), "s10", "v.mp4")
	require.NoError(t, err)

	assert.Equal(t, StateTimedOut, out.State)
	assert.Equal(t, 2, out.FramesSampled)
	assert.Equal(t, []int{1, 2}, out.Report.PerFrameCounts)
	assert.Equal(t, 80*time.Second, out.Report.ProcessingTime)
	assert.Equal(t, []State{StateTimedOut}, h.pub.reports)
	assert.Equal(t, 1, h.src.closed)
}

func TestRunCancellationCheckedBetweenFrames(t *testing.T) {
	opts := DefaultOptions()
	opts.Stride = 1
	h := newHarness(t, 10, opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.det.onCall = func(call int) {
		if call == 1 {
			cancel()
		}
	}

	out, err := h.orch.Run(ctx, "s11", "v.mp4")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Nil(t, out)
	// the frame in flight when cancel fired is still completed
	assert.Len(t, h.pub.updates, 2)
	assert.Equal(t, 1, h.src.closed)
}

func TestSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	h.det.script = [][]analysis.Detection{{personAt(10, 10)}, {personAt(10, 10)}}

	_, err := h.orch.Run(context.Background(), "a", "v.mp4")
	require.NoError(t, err)
	h.src.pos = 0
	out, err := h.orch.Run(context.Background(), "b", "v.mp4")
	require.NoError(t, err)

	assert.Equal(t, []int{1}, out.Report.PerFrameCounts)
	// each session starts from an all-zero previous frame
	assert.Equal(t, 1, h.pub.updates[1].Deltas.Get(1))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Deps{Detector: &scriptedDetector{}}, DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.Stride = 0
	_, err = New(Deps{Opener: &fakeOpener{}, Detector: &scriptedDetector{}}, opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Grid = analysis.Grid{Rows: 0, Cols: 2}
	_, err = New(Deps{Opener: &fakeOpener{}, Detector: &scriptedDetector{}}, opts)
	assert.ErrorIs(t, err, analysis.ErrInvalidGrid)
}

func TestWithOptions(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	opts := h.orch.Options()
	opts.Capacity = 1

	o2, err := h.orch.WithOptions(opts)
	require.NoError(t, err)
	assert.Equal(t, 1, o2.Options().Capacity)
	assert.Equal(t, 50, h.orch.Options().Capacity)

	opts.DangerRatio = 2
	_, err = h.orch.WithOptions(opts)
	assert.Error(t, err)
}

func TestProgress(t *testing.T) {
	assert.InDelta(t, 10.0, progress(0, 10), 1e-9)
	assert.InDelta(t, 100.0, progress(9, 10), 1e-9)
	assert.InDelta(t, 100.0, progress(20, 10), 1e-9)
	assert.Zero(t, progress(0, 0))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateTimedOut.HasReport())
	assert.False(t, StateFailed.HasReport())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateProcessing.Terminal())
}
