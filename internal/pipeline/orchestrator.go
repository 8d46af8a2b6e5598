package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"CROWD_MONITOR/go-backend/internal/analysis"
)

// Deps are the collaborators an Orchestrator drives. Publisher, Metrics and
// Log are optional.
type Deps struct {
	Opener    Opener
	Detector  Detector
	Publisher Publisher
	Metrics   Metrics
	Log       *logrus.Entry
}

// Orchestrator runs sessions: open a source, sample, detect, analyse,
// publish and report. It holds no per-session state, so one instance may run
// several sessions concurrently.
type Orchestrator struct {
	opener    Opener
	detector  Detector
	publisher Publisher
	metrics   Metrics
	log       *logrus.Entry
	opts      Options
	now       func() time.Time
}

// Outcome describes a session that produced a report.
type Outcome struct {
	SessionID     string
	State         State
	Report        *analysis.Report
	TotalFrames   int
	FramesRead    int
	FramesSampled int
	Width         int
	Height        int
	FPS           float64
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Opener == nil || deps.Detector == nil {
		return nil, errors.New("orchestrator requires an opener and a detector")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline options: %w", err)
	}
	o := &Orchestrator{
		opener:    deps.Opener,
		detector:  deps.Detector,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		log:       deps.Log,
		opts:      opts,
		now:       time.Now,
	}
	if o.metrics == nil {
		o.metrics = noopMetrics{}
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return o, nil
}

func (o *Orchestrator) Options() Options {
	return o.opts
}

// WithOptions returns a copy of o using opts, for per-request overrides.
func (o *Orchestrator) WithOptions(opts Options) (*Orchestrator, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline options: %w", err)
	}
	cp := *o
	cp.opts = opts
	return &cp, nil
}

type session struct {
	id    string
	state State
	log   *logrus.Entry

	agg      *analysis.Aggregator
	previous analysis.CellCounts

	total   int
	read    int
	sampled int
}

func (s *session) transition(to State) {
	s.log.WithFields(logrus.Fields{"from": s.state.String(), "to": to.String()}).Debug("session state change")
	s.state = to
}

// Run processes the source at path as one session. It returns an Outcome
// for sessions that complete or time out; any other termination yields a
// wrapped sentinel error and no report. The source is always closed.
func (o *Orchestrator) Run(ctx context.Context, sessionID, path string) (*Outcome, error) {
	s := &session{
		id:       sessionID,
		state:    StateIdle,
		log:      o.log.WithField("session_id", sessionID),
		agg:      analysis.NewAggregator(o.opts.Grid, o.opts.DangerRatio),
		previous: analysis.NewCellCounts(o.opts.Grid),
	}

	out, err := o.run(ctx, s, path)
	if err != nil {
		s.transition(StateFailed)
		o.metrics.IncrementErrors()
		o.metrics.RecordSession(StateFailed.String())
		s.log.WithError(err).Warn("session failed")
		return nil, err
	}

	o.metrics.RecordSession(out.State.String())
	s.log.WithFields(logrus.Fields{
		"state":          out.State.String(),
		"frames_read":    out.FramesRead,
		"frames_sampled": out.FramesSampled,
		"total_people":   out.Report.TotalPeople,
		"elapsed":        out.Report.ProcessingTime.String(),
	}).Info("session finished")

	if rp, ok := o.publisher.(ReportPublisher); ok {
		pctx, cancel := o.publishContext(ctx)
		if err := rp.PublishReport(pctx, sessionID, out.State, out.Report); err != nil {
			o.metrics.IncrementPublishErrors()
			s.log.WithError(err).Warn("report publish failed")
		}
		cancel()
	}
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, s *session, path string) (*Outcome, error) {
	src, err := o.opener.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			s.log.WithError(cerr).Warn("closing frame source")
		}
	}()

	s.total = src.FrameCount()
	if s.total <= 0 {
		return nil, ErrEmptySource
	}
	width, height, fps := src.Dimensions()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnreadable, analysis.ErrDegenerateFrame)
	}
	s.transition(StateOpened)
	s.log.WithFields(logrus.Fields{
		"frames": s.total,
		"width":  width,
		"height": height,
		"fps":    fps,
	}).Info("frame source opened")

	start := o.now()
	s.transition(StateProcessing)

	end, err := o.loop(ctx, s, src, start)
	if err != nil {
		return nil, err
	}
	s.transition(end)

	report, err := s.agg.Finalize(o.now().Sub(start))
	if err != nil {
		return nil, err
	}
	return &Outcome{
		SessionID:     s.id,
		State:         end,
		Report:        report,
		TotalFrames:   s.total,
		FramesRead:    s.read,
		FramesSampled: s.sampled,
		Width:         width,
		Height:        height,
		FPS:           fps,
	}, nil
}

// loop consumes frames until the source ends, the session times out or an
// error stops it. Timeout and cancellation are only checked between frames.
func (o *Orchestrator) loop(ctx context.Context, s *session, src FrameSource, start time.Time) (State, error) {
	for idx := 0; ; idx++ {
		if elapsed := o.now().Sub(start); elapsed > o.opts.Timeout {
			s.log.WithField("elapsed", elapsed.String()).Warn("session timeout reached, finalizing early")
			return StateTimedOut, nil
		}
		if err := ctx.Err(); err != nil {
			return StateFailed, fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return StateCompleted, nil
		}
		if err != nil {
			return StateFailed, fmt.Errorf("%w at frame %d: %v", ErrDecodeFailure, idx, err)
		}
		s.read++
		o.metrics.IncrementFrames()

		if idx%o.opts.Stride != 0 {
			continue
		}
		if err := o.processFrame(ctx, s, idx, frame); err != nil {
			return StateFailed, err
		}
	}
}

func (o *Orchestrator) processFrame(ctx context.Context, s *session, idx int, frame image.Image) error {
	began := o.now()
	dets, err := o.detector.Detect(ctx, frame)
	if err != nil {
		return fmt.Errorf("%w at frame %d: %v", ErrDetectorFailure, idx, err)
	}

	fa, err := AnalyzeFrame(frame, dets, s.previous, o.opts.Thresholds())
	if err != nil {
		return fmt.Errorf("%w at frame %d: %v", ErrDecodeFailure, idx, err)
	}
	if err := s.agg.Fold(fa.PersonCount, fa.Cells, fa.Alerts.DangerFlags()); err != nil {
		return err
	}
	s.sampled++
	o.metrics.IncrementSampled()
	o.metrics.RecordLatency(o.now().Sub(began))
	if fa.Alerts.Global.Alert {
		o.metrics.IncrementAlerts()
		s.log.WithField("frame", idx).Warn(fa.Alerts.Global.Message)
	}

	o.publish(ctx, s, &FrameUpdate{
		SessionID:   s.id,
		FrameIndex:  idx,
		PersonCount: fa.PersonCount,
		Cells:       fa.Cells,
		Deltas:      fa.Deltas,
		Alerts:      fa.Alerts,
		Progress:    progress(idx, s.total),
		Heatmap:     fa.Heatmap,
	})
	s.previous = fa.Cells
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, s *session, update *FrameUpdate) {
	if o.publisher == nil {
		return
	}
	pctx, cancel := o.publishContext(ctx)
	defer cancel()
	if err := o.publisher.Publish(pctx, update); err != nil {
		o.metrics.IncrementPublishErrors()
		s.log.WithError(err).WithField("frame", update.FrameIndex).Warn("frame publish failed")
	}
}

func (o *Orchestrator) publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	// Publishes outlive caller cancellation but stay bounded.
	base := context.WithoutCancel(ctx)
	if o.opts.PublishTimeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, o.opts.PublishTimeout)
}

func progress(idx, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(idx+1) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}
