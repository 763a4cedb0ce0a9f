package logging

import (
	"time"

	"go.uber.org/zap"
)

// GenerationTimer tracks timing for a single generation run.
// Use StartGeneration to create and EndGeneration to complete.
type GenerationTimer struct {
	ModelPath string
	Scheduler string
	Steps     int
	StartTime time.Time
}

// MetricsLogger provides structured timing logs for generation runs.
type MetricsLogger struct {
	logger *Logger
}

// NewMetricsLogger creates a MetricsLogger wrapping the given Logger.
func NewMetricsLogger(logger *Logger) *MetricsLogger {
	return &MetricsLogger{logger: logger}
}

// StartGeneration begins timing a generation run.
// Call EndGeneration when the sampling loop completes.
func (ml *MetricsLogger) StartGeneration(modelPath, scheduler string, steps int) *GenerationTimer {
	return &GenerationTimer{
		ModelPath: modelPath,
		Scheduler: scheduler,
		Steps:     steps,
		StartTime: time.Now(),
	}
}

// EndGeneration completes timing and logs the run metrics, including the
// effective steps-per-second rate. Returns the elapsed duration.
func (ml *MetricsLogger) EndGeneration(t *GenerationTimer, imageCount int) time.Duration {
	elapsed := time.Since(t.StartTime)

	stepsPerSec := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		stepsPerSec = float64(t.Steps) / secs
	}

	ml.logger.Info("generation complete",
		zap.String("model", t.ModelPath),
		zap.String("scheduler", t.Scheduler),
		zap.Int("steps", t.Steps),
		zap.Int("images", imageCount),
		zap.Duration("duration", elapsed),
		zap.Float64("steps_per_sec", stepsPerSec),
	)

	return elapsed
}
