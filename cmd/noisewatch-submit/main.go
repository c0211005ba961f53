// Command noisewatch-submit files a noise report from a recorded PCM clip.
//
// Usage:
//
//	noisewatch-submit -server http://localhost:3000 \
//	  -lat 41.3275 -lng 19.8187 -audio clip.pcm \
//	  -description "Construction after midnight"
//
// The clip must be signed 16-bit little-endian mono PCM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"

	"noisewatch/internal/geofence"
	"noisewatch/internal/logging"
	"noisewatch/internal/submission"
)

func main() {
	_ = godotenv.Load()

	if err := run(); err != nil {
		logger := logging.New(os.Stderr, "error")
		logger.Error("submit failed", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}
}

func run() error {
	server := flag.String("server", envOr("NOISEWATCH_URL", "http://localhost:3000"), "report API base URL")
	lat := flag.Float64("lat", 0, "latitude in degrees")
	lng := flag.Float64("lng", 0, "longitude in degrees")
	accuracy := flag.Float64("accuracy", 0, "location accuracy in metres")
	audio := flag.String("audio", "", "path to a s16le mono PCM recording")
	description := flag.String("description", "", "what the noise is")
	fetchBoundary := flag.Bool("fetch-boundary", true, "check the location against the server's service area")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	if *audio == "" || *description == "" {
		flag.Usage()
		return errors.New("missing required flags: -audio, -description")
	}

	logger := logging.New(os.Stderr, *logLevel)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := submission.NewHTTPClient(*server)

	var area geofence.Validator = geofence.Default()
	if *fetchBoundary {
		poly, err := client.Boundary(ctx)
		if err != nil {
			logger.Warn("using built-in service area", slog.Any("error", xerrors.New(err)))
		} else {
			area = poly
		}
	}

	flow := submission.NewFlow(area,
		submission.FixedLocation{Lat: *lat, Lng: *lng, Accuracy: *accuracy},
		submission.FileCapture{Path: *audio},
		client,
		submission.WithDeviceInfo(fmt.Sprintf("noisewatch-submit (%s/%s)", runtime.GOOS, runtime.GOARCH), "cli"),
		submission.WithOnChange(func(s submission.State) {
			logger.Debug("state changed", "state", s.String())
		}),
	)

	if err := flow.RequestLocation(ctx); err != nil {
		return xerrors.New("location", err)
	}
	if err := flow.StartRecording(ctx); err != nil {
		return xerrors.New("recording", err)
	}
	m, err := flow.StopRecording()
	if err != nil {
		return xerrors.New("recording", err)
	}
	logger.Info("measured", "decibels", m.Decibels, "severity", m.Severity)

	flow.SetDescription(*description)
	report, err := flow.Submit(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("report %d stored: %d dB (%s) at %.5f, %.5f\n",
		report.ID, report.Decibels, report.Severity, report.Latitude, report.Longitude)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
