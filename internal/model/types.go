package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

type Severity string

const (
	SeverityQuiet    Severity = "quiet"
	SeverityNormal   Severity = "normal"
	SeverityLoud     Severity = "loud"
	SeverityVeryHigh Severity = "very_high"
)

// Report is a stored noise observation.
type Report struct {
	ID             int64     `json:"id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Decibels       int       `json:"decibels"`
	Description    string    `json:"description"`
	Severity       Severity  `json:"severity"`
	CreatedAt      time.Time `json:"created_at"`
	DeviceInfo     string    `json:"device_info,omitempty"`
	Source         string    `json:"source,omitempty"`
	AccuracyMeters *int      `json:"accuracy_meters,omitempty"`
	AudioPath      string    `json:"audio_path,omitempty"`
}

type Stats struct {
	TotalReports    int     `json:"total_reports"`
	AverageDecibels float64 `json:"average_decibels"`
	MinDecibels     int     `json:"min_decibels"`
	MaxDecibels     int     `json:"max_decibels"`
	QuietReports    int     `json:"quiet_reports"`
	NormalReports   int     `json:"normal_reports"`
	LoudReports     int     `json:"loud_reports"`
	VeryHighReports int     `json:"very_high_reports"`
}

// CreateReportRequest is the body of POST /api/reports. Pointer fields
// distinguish a missing value from a zero one.
type CreateReportRequest struct {
	Latitude       *LooseFloat  `json:"latitude"`
	Longitude      *LooseFloat  `json:"longitude"`
	Decibels       *StrictFloat `json:"decibels"`
	Description    string       `json:"description"`
	DeviceInfo     string       `json:"deviceInfo,omitempty"`
	Source         string       `json:"source,omitempty"`
	AccuracyMeters *LooseFloat  `json:"accuracyMeters,omitempty"`
	AudioPath      string       `json:"audioPath,omitempty"`
}

// UnmarshalJSON accepts the snake_case metadata names used by older clients
// alongside the camelCase ones.
func (r *CreateReportRequest) UnmarshalJSON(data []byte) error {
	type plain CreateReportRequest
	var aux struct {
		plain
		DeviceInfoSnake     string      `json:"device_info"`
		AccuracyMetersSnake *LooseFloat `json:"accuracy_meters"`
		AudioPathSnake      string      `json:"audio_path"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = CreateReportRequest(aux.plain)
	if r.DeviceInfo == "" {
		r.DeviceInfo = aux.DeviceInfoSnake
	}
	if r.AccuracyMeters == nil {
		r.AccuracyMeters = aux.AccuracyMetersSnake
	}
	if r.AudioPath == "" {
		r.AudioPath = aux.AudioPathSnake
	}
	return nil
}

// LooseFloat decodes a JSON number or a numeric string. Anything else is kept
// as NaN so validation can reject it with a field-specific message.
type LooseFloat float64

func (f *LooseFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = LooseFloat(math.NaN())
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			*f = LooseFloat(math.NaN())
			return nil
		}
		*f = LooseFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		*f = LooseFloat(math.NaN())
		return nil
	}
	*f = LooseFloat(v)
	return nil
}

func (f *LooseFloat) Float64() float64 {
	if f == nil {
		return math.NaN()
	}
	return float64(*f)
}

// StrictFloat decodes only JSON numbers; strings and other values become NaN.
type StrictFloat float64

func (f *StrictFloat) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		*f = StrictFloat(math.NaN())
		return nil
	}
	*f = StrictFloat(v)
	return nil
}

func (f *StrictFloat) Float64() float64 {
	if f == nil {
		return math.NaN()
	}
	return float64(*f)
}

// ReportCreatedEvent is published after a report is stored.
type ReportCreatedEvent struct {
	Type     string    `json:"type"`
	Report   Report    `json:"report"`
	StoredAt time.Time `json:"stored_at"`
}

const EventReportCreated = "report.created"
