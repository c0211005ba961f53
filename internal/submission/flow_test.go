package submission

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noisewatch/internal/geofence"
	"noisewatch/internal/model"
)

var tirana = Position{Lat: 41.33, Lng: 19.82, Accuracy: 8}

type fakeLocation struct {
	mu      sync.Mutex
	pos     Position
	err     error
	release chan struct{}
	calls   int
}

func (l *fakeLocation) CurrentPosition(ctx context.Context) (Position, error) {
	l.mu.Lock()
	l.calls++
	release := l.release
	l.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return Position{}, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pos, l.err
}

type fakeSession struct {
	mu      sync.Mutex
	samples []float64
	err     error
	stops   int
}

func (s *fakeSession) Stop() ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return s.samples, s.err
}

func (s *fakeSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type fakeAudio struct {
	mu        sync.Mutex
	permErr   error
	startErr  error
	permCalls int
	samples   []float64
	sessions  []*fakeSession
}

func (a *fakeAudio) RequestPermission(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.permCalls++
	return a.permErr
}

func (a *fakeAudio) Start(context.Context) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return nil, a.startErr
	}
	s := &fakeSession{samples: a.samples}
	a.sessions = append(a.sessions, s)
	return s, nil
}

func (a *fakeAudio) last() *fakeSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[len(a.sessions)-1]
}

type fakeClient struct {
	mu   sync.Mutex
	err  error
	reqs []model.CreateReportRequest
}

func (c *fakeClient) CreateReport(_ context.Context, req model.CreateReportRequest) (model.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return model.Report{}, c.err
	}
	return model.Report{ID: int64(len(c.reqs)), Decibels: int(req.Decibels.Float64()), Description: req.Description}, nil
}

func loud(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.1 // -20 dBFS, 95 after calibration
	}
	return out
}

type harness struct {
	flow   *Flow
	loc    *fakeLocation
	audio  *fakeAudio
	client *fakeClient
	clock  *clockwork.FakeClock
}

func newHarness(t *testing.T, opts ...Option) harness {
	t.Helper()
	h := harness{
		loc:    &fakeLocation{pos: tirana},
		audio:  &fakeAudio{samples: loud(512)},
		client: &fakeClient{},
		clock:  clockwork.NewFakeClock(),
	}
	opts = append([]Option{WithClock(h.clock), WithDeviceInfo("test-device", "test")}, opts...)
	h.flow = NewFlow(geofence.Default(), h.loc, h.audio, h.client, opts...)
	return h
}

func (h harness) record(t *testing.T) {
	t.Helper()
	require.NoError(t, h.flow.StartRecording(context.Background()))
	_, err := h.flow.StopRecording()
	require.NoError(t, err)
}

func TestFlow_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.Equal(t, Idle, h.flow.State())

	require.NoError(t, h.flow.RequestLocation(ctx))
	assert.Equal(t, LocationAcquired, h.flow.State())
	assert.True(t, h.flow.Snapshot().Inside)

	require.NoError(t, h.flow.StartRecording(ctx))
	assert.Equal(t, RecordingPending, h.flow.State())

	m, err := h.flow.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, 95, m.Decibels)
	assert.Equal(t, model.SeverityLoud, m.Severity)
	assert.Equal(t, RecordingDone, h.flow.State())

	h.flow.SetDescription("  Generator running all night ")
	assert.Equal(t, Ready, h.flow.State())

	report, err := h.flow.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.ID)
	assert.Equal(t, Success, h.flow.State())

	require.Len(t, h.client.reqs, 1)
	req := h.client.reqs[0]
	assert.Equal(t, 41.33, req.Latitude.Float64())
	assert.Equal(t, 19.82, req.Longitude.Float64())
	assert.Equal(t, 95.0, req.Decibels.Float64())
	assert.Equal(t, "Generator running all night", req.Description)
	assert.Equal(t, 8.0, req.AccuracyMeters.Float64())
	assert.Equal(t, "test-device", req.DeviceInfo)

	snap := h.flow.Snapshot()
	assert.Nil(t, snap.Position)
	assert.Nil(t, snap.Measurement)
	assert.Empty(t, snap.Description)
	require.NotNil(t, snap.LastReport)

	h.flow.SetDescription("next")
	assert.Equal(t, Idle, h.flow.State())
}

func TestFlow_AutoStopAfterCaptureDuration(t *testing.T) {
	h := newHarness(t, WithCaptureDuration(5*time.Second))
	require.NoError(t, h.flow.StartRecording(context.Background()))

	h.clock.Advance(4 * time.Second)
	assert.Equal(t, RecordingPending, h.flow.State())

	h.clock.Advance(time.Second)
	assert.Eventually(t, func() bool {
		return h.flow.State() == RecordingDone
	}, time.Second, 5*time.Millisecond)

	_, err := h.flow.StopRecording()
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.Equal(t, 1, h.audio.last().stopCount())
}

func TestFlow_ManualStopDisarmsTimer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.flow.StartRecording(context.Background()))

	_, err := h.flow.StopRecording()
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.audio.last().stopCount())
	assert.Equal(t, RecordingDone, h.flow.State())
}

func TestFlow_MicrophonePermissionReused(t *testing.T) {
	h := newHarness(t)
	h.record(t)
	h.record(t)
	assert.Equal(t, 1, h.audio.permCalls)
}

func TestFlow_MicrophoneDenied(t *testing.T) {
	h := newHarness(t)
	h.audio.permErr = ErrPermissionDenied

	err := h.flow.StartRecording(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, Idle, h.flow.State())
	assert.ErrorIs(t, h.flow.Snapshot().RecordingErr, ErrPermissionDenied)

	h.audio.permErr = nil
	h.record(t)
	assert.Equal(t, 2, h.audio.permCalls)
}

func TestFlow_SilenceNeedsNewRecording(t *testing.T) {
	h := newHarness(t)
	h.audio.samples = make([]float64, 256)
	require.NoError(t, h.flow.RequestLocation(context.Background()))
	h.flow.SetDescription("Quiet?")

	require.NoError(t, h.flow.StartRecording(context.Background()))
	_, err := h.flow.StopRecording()
	assert.ErrorIs(t, err, ErrNoMeasurement)
	assert.Equal(t, RecordingPending, h.flow.State())
	assert.ErrorIs(t, h.flow.Snapshot().RecordingErr, ErrNoMeasurement)

	_, err = h.flow.Submit(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)

	h.audio.samples = loud(64)
	h.record(t)
	assert.Equal(t, Ready, h.flow.State())
}

func TestFlow_SilenceWithoutLocationStaysRecordingPending(t *testing.T) {
	h := newHarness(t)
	h.audio.samples = nil

	require.NoError(t, h.flow.StartRecording(context.Background()))
	_, err := h.flow.StopRecording()
	assert.ErrorIs(t, err, ErrNoMeasurement)
	assert.Equal(t, RecordingPending, h.flow.State())

	h.audio.samples = loud(32)
	h.record(t)
	assert.Equal(t, RecordingDone, h.flow.State())
}

func TestFlow_OutsideAreaBlocksSubmit(t *testing.T) {
	h := newHarness(t)
	h.loc.pos = Position{Lat: 0, Lng: 0}

	require.NoError(t, h.flow.RequestLocation(context.Background()))
	assert.Equal(t, LocationAcquired, h.flow.State())
	assert.False(t, h.flow.Snapshot().Inside)

	h.record(t)
	h.flow.SetDescription("Far away")
	assert.Equal(t, RecordingDone, h.flow.State())

	_, err := h.flow.Submit(context.Background())
	assert.ErrorIs(t, err, ErrOutsideServiceArea)
	assert.Empty(t, h.client.reqs)

	h.loc.pos = tirana
	require.NoError(t, h.flow.RequestLocation(context.Background()))
	assert.Equal(t, Ready, h.flow.State())
}

func TestFlow_LocationErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"denied", ErrPermissionDenied, ErrPermissionDenied},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"other", errors.New("no gps"), ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.loc.err = tt.err

			err := h.flow.RequestLocation(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, LocationError, h.flow.State())

			h.loc.err = nil
			require.NoError(t, h.flow.RequestLocation(context.Background()))
			assert.Equal(t, LocationAcquired, h.flow.State())
		})
	}
}

func TestFlow_SecondLocationRequestIsBusy(t *testing.T) {
	h := newHarness(t)
	h.loc.release = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.flow.RequestLocation(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.flow.State() == LocationPending
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.flow.RequestLocation(context.Background()), ErrBusy)

	close(h.loc.release)
	require.NoError(t, <-done)
	assert.Equal(t, LocationAcquired, h.flow.State())
}

func TestFlow_SecondRecordingIsBusy(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.flow.StartRecording(context.Background()))
	assert.ErrorIs(t, h.flow.StartRecording(context.Background()), ErrBusy)
}

func TestFlow_FailedSubmitKeepsData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.flow.RequestLocation(ctx))
	h.record(t)
	h.flow.SetDescription("Barking dogs")

	h.client.err = &APIError{StatusCode: 500, Code: "server_error", Message: "Server Error"}
	_, err := h.flow.Submit(ctx)
	require.Error(t, err)
	assert.Equal(t, Failed, h.flow.State())

	snap := h.flow.Snapshot()
	assert.NotNil(t, snap.Position)
	assert.NotNil(t, snap.Measurement)
	assert.Equal(t, "Barking dogs", snap.Description)
	assert.Error(t, snap.SubmitErr)

	h.client.err = nil
	_, err = h.flow.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, Success, h.flow.State())
	assert.Len(t, h.client.reqs, 2)
}

func TestFlow_ServerGeofenceRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.flow.RequestLocation(ctx))
	h.record(t)
	h.flow.SetDescription("Edge of town")

	h.client.err = &APIError{StatusCode: 400, Code: "outside_service_area", Message: "outside"}
	_, err := h.flow.Submit(ctx)
	assert.ErrorIs(t, err, ErrOutsideServiceArea)
	assert.Equal(t, Failed, h.flow.State())
}

func TestFlow_DescriptionGate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.flow.RequestLocation(context.Background()))
	h.record(t)

	h.flow.SetDescription("   ")
	assert.Equal(t, RecordingDone, h.flow.State())

	h.flow.SetDescription(strings.Repeat("ë", MaxDescriptionLength))
	assert.Equal(t, Ready, h.flow.State())

	h.flow.SetDescription(strings.Repeat("ë", MaxDescriptionLength+1))
	assert.Equal(t, RecordingDone, h.flow.State())
	_, err := h.flow.Submit(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestFlow_OnChangeSequence(t *testing.T) {
	var (
		mu     sync.Mutex
		states []State
	)
	h := newHarness(t, WithOnChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}))
	ctx := context.Background()

	require.NoError(t, h.flow.RequestLocation(ctx))
	h.record(t)
	h.flow.SetDescription("Traffic")
	_, err := h.flow.Submit(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		LocationPending, LocationAcquired,
		RecordingPending, RecordingDone,
		Ready, Submitting, Success,
	}, states)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "location_error", LocationError.String())
	assert.Equal(t, "state(42)", State(42).String())
}
