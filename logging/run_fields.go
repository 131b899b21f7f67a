package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RunMetrics summarizes one restoration run for structured logging.
type RunMetrics struct {
	RunID          string
	Width          int
	Height         int
	Steps          int
	NonFiniteSteps int
	Duration       time.Duration
}

// StepsPerSecond is the sampling throughput, 0 for an empty duration.
func (m RunMetrics) StepsPerSecond() float64 {
	if m.Duration <= 0 {
		return 0
	}
	return float64(m.Steps) / m.Duration.Seconds()
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (m RunMetrics) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("run_id", m.RunID)
	enc.AddInt("width", m.Width)
	enc.AddInt("height", m.Height)
	enc.AddInt("steps", m.Steps)
	if m.NonFiniteSteps > 0 {
		enc.AddInt("non_finite_steps", m.NonFiniteSteps)
	}
	enc.AddInt64("duration_ms", m.Duration.Milliseconds())
	enc.AddFloat64("steps_per_second", m.StepsPerSecond())
	return nil
}

// RunFields nests m under "run".
func RunFields(m RunMetrics) zap.Field {
	return zap.Object("run", m)
}

// RunID tags an entry with the run it belongs to.
func RunID(id string) zap.Field {
	return zap.String("run_id", id)
}

// ImageFields records image dimensions.
func ImageFields(width, height int) []zap.Field {
	return []zap.Field{
		zap.Int("width", width),
		zap.Int("height", height),
	}
}

// StepFields records sampler position.
func StepFields(current, total int) []zap.Field {
	return []zap.Field{
		zap.Int("step", current),
		zap.Int("total_steps", total),
	}
}
