package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/vango-dev/wavebench/internal/errors"
)

// ScalePrefix starts a scale mode string.
const ScalePrefix = "scale"

// Mode is a parsed run mode.
type Mode struct {
	// Name is the workload mode handed to every worker (e.g. "read").
	Name string

	// Scaled is true for scale:... modes.
	Scaled bool

	WorkersPerWave int
	WavePeriod     time.Duration
	WaveCount      int
}

// Workers returns the number of workers the mode runs.
func (m Mode) Workers() int {
	return m.WorkersPerWave * m.WaveCount
}

// ParseMode parses a plain mode name or a scale mode string.
func ParseMode(s string) (Mode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Mode{}, errors.New("E123").WithDetail("mode is empty")
	}
	if !strings.HasPrefix(s, ScalePrefix+":") {
		return Mode{Name: s, WorkersPerWave: 1, WaveCount: 1}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return Mode{}, errors.New("E123").
			WithDetail("got " + strconv.Quote(s)).
			WithSuggestion("Use scale:<mode>:<workersPerWave>:<periodSeconds>:<waveCount>, e.g. scale:read:2:5:2")
	}

	name := parts[1]
	if name == "" {
		return Mode{}, errors.New("E123").WithDetail("workload mode is empty")
	}
	perWave, err := positiveInt(parts[2], "workersPerWave")
	if err != nil {
		return Mode{}, err
	}
	period, err := strconv.Atoi(parts[3])
	if err != nil || period < 0 {
		return Mode{}, errors.New("E123").
			WithDetail("periodSeconds must be a non-negative integer, got " + strconv.Quote(parts[3]))
	}
	count, err := positiveInt(parts[4], "waveCount")
	if err != nil {
		return Mode{}, err
	}

	return Mode{
		Name:           name,
		Scaled:         true,
		WorkersPerWave: perWave,
		WavePeriod:     time.Duration(period) * time.Second,
		WaveCount:      count,
	}, nil
}

// String returns the mode in the form ParseMode accepts.
func (m Mode) String() string {
	if !m.Scaled {
		return m.Name
	}
	return strings.Join([]string{
		ScalePrefix,
		m.Name,
		strconv.Itoa(m.WorkersPerWave),
		strconv.Itoa(int(m.WavePeriod / time.Second)),
		strconv.Itoa(m.WaveCount),
	}, ":")
}

func positiveInt(s, field string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("E123").
			WithDetail(field + " must be a positive integer, got " + strconv.Quote(s))
	}
	return n, nil
}
