package logging

import (
	"io"
	"os"

	"go.uber.org/zap/zapcore"
)

// NewMultiCore creates a zapcore.Core that tees output to both the console
// and a rotating log file.
//
// The console output goes to stderr, never stdout: stdout is reserved for
// the result JSON contract that the host application parses.
//
// The file output always uses JSON encoding for structured log processing.
// The console output uses:
//   - Development mode (isDev=true): colored, human-readable format
//   - Production mode (isDev=false): JSON format for consistency
func NewMultiCore(level zapcore.Level, filePath string, isDev bool) zapcore.Core {
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(NewEncoderConfig()),
		NewFileWriter(filePath),
		level,
	)

	var consoleEncoder zapcore.Encoder
	if isDev {
		consoleEncoder = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(NewEncoderConfig())
	}

	consoleCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.AddSync(os.Stderr),
		level,
	)

	return zapcore.NewTee(consoleCore, fileCore)
}

// NewWriterCore creates a single-output core writing JSON to the given
// writer. Useful for tests that need to capture log output.
func NewWriterCore(level zapcore.Level, w io.Writer) zapcore.Core {
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(NewEncoderConfig()),
		zapcore.AddSync(w),
		level,
	)
}
