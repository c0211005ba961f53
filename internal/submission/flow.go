// Package submission drives a single noise report from location fix and
// recording through to the create request.
//
// Device capabilities are injected. The flow holds its lock only while it
// updates state, never across a capability call, so a timer or a manual stop
// can land while a permission prompt or network request is outstanding.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"noisewatch/internal/geofence"
	"noisewatch/internal/model"
	"noisewatch/internal/noise"
)

type State int

const (
	Idle State = iota
	LocationPending
	LocationError
	LocationAcquired
	RecordingPending
	RecordingDone
	Ready
	Submitting
	Success
	Failed
)

var stateNames = [...]string{
	Idle:             "idle",
	LocationPending:  "location_pending",
	LocationError:    "location_error",
	LocationAcquired: "location_acquired",
	RecordingPending: "recording_pending",
	RecordingDone:    "recording_done",
	Ready:            "ready",
	Submitting:       "submitting",
	Success:          "success",
	Failed:           "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrTimeout            = errors.New("request timed out")
	ErrUnavailable        = errors.New("capability unavailable")
	ErrOutsideServiceArea = errors.New("location is outside the service area")
	ErrBusy               = errors.New("another request is in progress")
	ErrNotReady           = errors.New("report is not ready to submit")
	ErrNotRecording       = errors.New("no recording in progress")
	ErrNoMeasurement      = errors.New("no usable sound level was measured")
)

const MaxDescriptionLength = 255

type Position struct {
	Lat      float64
	Lng      float64
	Accuracy float64 // metres, 0 when unknown
}

type LocationProvider interface {
	CurrentPosition(ctx context.Context) (Position, error)
}

// AudioCapture grants microphone access once and then starts any number of
// sequential sessions.
type AudioCapture interface {
	RequestPermission(ctx context.Context) error
	Start(ctx context.Context) (Session, error)
}

// Session is one running recording. Stop returns samples in [-1, 1].
type Session interface {
	Stop() ([]float64, error)
}

type ReportClient interface {
	CreateReport(ctx context.Context, req model.CreateReportRequest) (model.Report, error)
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSuccess
	outcomeFailed
)

type recording struct {
	session Session
	timer   clockwork.Timer
}

// Snapshot is a consistent copy of the flow state.
type Snapshot struct {
	State        State
	Position     *Position
	Inside       bool
	Measurement  *noise.Measurement
	Description  string
	LocationErr  error
	RecordingErr error
	SubmitErr    error
	LastReport   *model.Report
}

type Flow struct {
	area     geofence.Validator
	location LocationProvider
	audio    AudioCapture
	client   ReportClient

	clock      clockwork.Clock
	estimator  noise.Estimator
	duration   time.Duration
	deviceInfo string
	source     string
	onChange   func(State)

	mu           sync.Mutex
	locPending   bool
	locErr       error
	pos          *Position
	inside       bool
	micGranted   bool
	recStarting  bool
	rec          *recording
	recStopping  bool
	measurement  *noise.Measurement
	recErr       error
	description  string
	submitting   bool
	outcome      outcome
	submitErr    error
	lastReport   *model.Report
	lastNotified State
}

type Option func(*Flow)

func WithClock(c clockwork.Clock) Option {
	return func(f *Flow) { f.clock = c }
}

func WithEstimator(e noise.Estimator) Option {
	return func(f *Flow) { f.estimator = e }
}

// WithCaptureDuration sets how long a recording runs before it stops itself.
func WithCaptureDuration(d time.Duration) Option {
	return func(f *Flow) { f.duration = d }
}

func WithDeviceInfo(info, source string) Option {
	return func(f *Flow) {
		f.deviceInfo = info
		f.source = source
	}
}

// WithOnChange registers a callback invoked after every state change. It
// runs without the flow lock held.
func WithOnChange(fn func(State)) Option {
	return func(f *Flow) { f.onChange = fn }
}

func NewFlow(area geofence.Validator, location LocationProvider, audio AudioCapture, client ReportClient, opts ...Option) *Flow {
	f := &Flow{
		area:      area,
		location:  location,
		audio:     audio,
		client:    client,
		clock:     clockwork.NewRealClock(),
		estimator: noise.DefaultEstimator(),
		duration:  noise.DefaultCaptureDuration,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.area == nil {
		f.area = geofence.Default()
	}
	return f
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *Flow) stateLocked() State {
	switch {
	case f.submitting:
		return Submitting
	case f.outcome == outcomeSuccess:
		return Success
	case f.outcome == outcomeFailed:
		return Failed
	case f.locPending:
		return LocationPending
	case f.recStarting || f.rec != nil || f.recStopping:
		return RecordingPending
	case f.measurement == nil && errors.Is(f.recErr, ErrNoMeasurement):
		// Silence still needs a new recording before anything else moves.
		return RecordingPending
	case f.readyLocked():
		return Ready
	case f.measurement != nil:
		return RecordingDone
	case f.locErr != nil:
		return LocationError
	case f.pos != nil:
		return LocationAcquired
	default:
		return Idle
	}
}

func (f *Flow) readyLocked() bool {
	if f.pos == nil || !f.inside || f.measurement == nil || !f.measurement.Valid {
		return false
	}
	if f.locPending || f.recStarting || f.rec != nil || f.recStopping {
		return false
	}
	desc := strings.TrimSpace(f.description)
	return desc != "" && utf8.RuneCountInString(desc) <= MaxDescriptionLength
}

func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Snapshot{
		State:        f.stateLocked(),
		Inside:       f.inside,
		Description:  f.description,
		LocationErr:  f.locErr,
		RecordingErr: f.recErr,
		SubmitErr:    f.submitErr,
	}
	if f.pos != nil {
		p := *f.pos
		s.Position = &p
	}
	if f.measurement != nil {
		m := *f.measurement
		s.Measurement = &m
	}
	if f.lastReport != nil {
		r := *f.lastReport
		s.LastReport = &r
	}
	return s
}

// unlockAndNotify releases the lock and reports a state change, if any.
func (f *Flow) unlockAndNotify() {
	state := f.stateLocked()
	changed := state != f.lastNotified
	f.lastNotified = state
	f.mu.Unlock()
	if changed && f.onChange != nil {
		f.onChange(state)
	}
}

// clearOutcomeLocked leaves Success or Failed on the next user action.
func (f *Flow) clearOutcomeLocked() {
	f.outcome = outcomeNone
}

// RequestLocation asks for a fresh fix. A failure leaves the flow in
// LocationError with the cause classified as ErrPermissionDenied,
// ErrTimeout or ErrUnavailable.
func (f *Flow) RequestLocation(ctx context.Context) error {
	f.mu.Lock()
	if f.locPending || f.submitting {
		f.mu.Unlock()
		return ErrBusy
	}
	f.clearOutcomeLocked()
	f.locPending = true
	f.locErr = nil
	f.unlockAndNotify()

	pos, err := f.location.CurrentPosition(ctx)

	f.mu.Lock()
	defer f.unlockAndNotify()
	f.locPending = false
	if err != nil {
		f.pos = nil
		f.inside = false
		f.locErr = classify(ctx, err)
		return f.locErr
	}
	f.pos = &pos
	f.inside = f.area.Contains(pos.Lat, pos.Lng)
	return nil
}

// StartRecording acquires the microphone on first use and starts a session
// that stops itself after the capture duration.
func (f *Flow) StartRecording(ctx context.Context) error {
	f.mu.Lock()
	if f.recStarting || f.rec != nil || f.recStopping || f.submitting {
		f.mu.Unlock()
		return ErrBusy
	}
	f.clearOutcomeLocked()
	f.recStarting = true
	f.recErr = nil
	f.measurement = nil
	granted := f.micGranted
	f.unlockAndNotify()

	var err error
	if !granted {
		err = f.audio.RequestPermission(ctx)
	}
	var session Session
	if err == nil {
		session, err = f.audio.Start(ctx)
	}

	f.mu.Lock()
	defer f.unlockAndNotify()
	f.recStarting = false
	if err != nil {
		f.recErr = classify(ctx, err)
		if errors.Is(f.recErr, ErrPermissionDenied) {
			f.micGranted = false
		}
		return f.recErr
	}
	f.micGranted = true
	rec := &recording{session: session}
	rec.timer = f.clock.AfterFunc(f.duration, func() {
		_, _ = f.finish(rec)
	})
	f.rec = rec
	return nil
}

// StopRecording ends the current recording early and returns the estimate.
func (f *Flow) StopRecording() (noise.Measurement, error) {
	f.mu.Lock()
	rec := f.rec
	f.mu.Unlock()
	if rec == nil {
		return noise.Measurement{}, ErrNotRecording
	}
	return f.finish(rec)
}

// finish stops rec exactly once. The auto-stop timer and a manual stop both
// call it; whichever arrives second finds rec already detached and returns
// ErrNotRecording.
func (f *Flow) finish(rec *recording) (noise.Measurement, error) {
	f.mu.Lock()
	if f.rec != rec {
		f.mu.Unlock()
		return noise.Measurement{}, ErrNotRecording
	}
	f.rec = nil
	f.recStopping = true
	rec.timer.Stop()
	f.mu.Unlock()

	samples, err := rec.session.Stop()

	f.mu.Lock()
	defer f.unlockAndNotify()
	f.recStopping = false
	if err != nil {
		f.recErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		return noise.Measurement{}, f.recErr
	}
	m := f.estimator.Estimate(samples)
	if !m.Valid {
		f.recErr = ErrNoMeasurement
		return m, ErrNoMeasurement
	}
	f.measurement = &m
	return m, nil
}

func (f *Flow) SetDescription(s string) {
	f.mu.Lock()
	f.description = s
	if f.outcome == outcomeSuccess {
		f.clearOutcomeLocked()
	}
	f.unlockAndNotify()
}

// Submit sends the report. It is only allowed from Ready, or from Failed
// when the entered data still passes the gate. On success the form resets;
// on failure everything entered is kept for another attempt.
func (f *Flow) Submit(ctx context.Context) (model.Report, error) {
	f.mu.Lock()
	if f.submitting {
		f.mu.Unlock()
		return model.Report{}, ErrBusy
	}
	if !f.readyLocked() {
		f.mu.Unlock()
		if !f.inside && f.pos != nil {
			return model.Report{}, ErrOutsideServiceArea
		}
		return model.Report{}, ErrNotReady
	}
	req := f.requestLocked()
	f.clearOutcomeLocked()
	f.submitErr = nil
	f.submitting = true
	f.unlockAndNotify()

	report, err := f.client.CreateReport(ctx, req)

	f.mu.Lock()
	defer f.unlockAndNotify()
	f.submitting = false
	if err != nil {
		f.outcome = outcomeFailed
		f.submitErr = err
		return model.Report{}, err
	}
	f.outcome = outcomeSuccess
	f.lastReport = &report
	f.pos = nil
	f.inside = false
	f.measurement = nil
	f.description = ""
	f.locErr = nil
	f.recErr = nil
	return report, nil
}

func (f *Flow) requestLocked() model.CreateReportRequest {
	lat := model.LooseFloat(f.pos.Lat)
	lng := model.LooseFloat(f.pos.Lng)
	db := model.StrictFloat(f.measurement.Decibels)
	req := model.CreateReportRequest{
		Latitude:    &lat,
		Longitude:   &lng,
		Decibels:    &db,
		Description: strings.TrimSpace(f.description),
		DeviceInfo:  f.deviceInfo,
		Source:      f.source,
	}
	if f.pos.Accuracy > 0 {
		acc := model.LooseFloat(f.pos.Accuracy)
		req.AccuracyMeters = &acc
	}
	return req
}

// classify maps capability errors onto the flow's sentinel errors.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
