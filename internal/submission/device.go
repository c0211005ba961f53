package submission

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
)

// FixedLocation reports the same position on every request.
type FixedLocation Position

func (l FixedLocation) CurrentPosition(ctx context.Context) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	p := Position(l)
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return Position{}, ErrUnavailable
	}
	return p, nil
}

// FileCapture replays a recording of signed 16-bit little-endian mono PCM.
type FileCapture struct {
	Path string
}

func (c FileCapture) RequestPermission(context.Context) error {
	f, err := os.Open(c.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return f.Close()
}

func (c FileCapture) Start(context.Context) (Session, error) {
	return fileSession{path: c.Path}, nil
}

type fileSession struct {
	path string
}

func (s fileSession) Stop() ([]float64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	return DecodePCM16LE(data), nil
}

// DecodePCM16LE converts 16-bit little-endian samples to [-1, 1]. A trailing
// odd byte is ignored.
func DecodePCM16LE(data []byte) []float64 {
	out := make([]float64, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		out[i] = float64(v) / 32768
	}
	return out
}
