package noise

import (
	"image/color"

	"noisewatch/internal/model"
)

// Band upper bounds, inclusive.
const (
	QuietMax  = 50
	NormalMax = 80
	LoudMax   = 100
)

func SeverityFor(db int) model.Severity {
	switch {
	case db <= QuietMax:
		return model.SeverityQuiet
	case db <= NormalMax:
		return model.SeverityNormal
	case db <= LoudMax:
		return model.SeverityLoud
	default:
		return model.SeverityVeryHigh
	}
}

var severityColors = map[model.Severity]color.RGBA{
	model.SeverityQuiet:    {R: 0x4c, G: 0xaf, B: 0x50, A: 0xff},
	model.SeverityNormal:   {R: 0xff, G: 0xc1, B: 0x07, A: 0xff},
	model.SeverityLoud:     {R: 0xff, G: 0x98, B: 0x00, A: 0xff},
	model.SeverityVeryHigh: {R: 0xf4, G: 0x43, B: 0x36, A: 0xff},
}

// ColorFor returns the map color of a severity band. Unknown bands are grey.
func ColorFor(s model.Severity) color.RGBA {
	if c, ok := severityColors[s]; ok {
		return c
	}
	return color.RGBA{R: 0x66, G: 0x66, B: 0x66, A: 0xff}
}

// Label is the human readable band name shown next to a reading.
func Label(s model.Severity) string {
	switch s {
	case model.SeverityQuiet:
		return "Quiet"
	case model.SeverityNormal:
		return "Normal"
	case model.SeverityLoud:
		return "Loud"
	case model.SeverityVeryHigh:
		return "Very Loud"
	default:
		return "Unknown"
	}
}
