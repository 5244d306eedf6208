package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Logger *zap.Logger

// InitLogger sets up the global zap logger. Output goes to the given file as
// JSON; when console is true it is additionally mirrored to stderr, which is
// what you want when running the daemon by hand.
func InitLogger(logFile string, level string, console bool) error {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	atom := zap.NewAtomicLevel()
	if err := atom.UnmarshalText([]byte(level)); err != nil {
		return err
	}

	// Open or create the log file
	file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	encoder := zapcore.NewJSONEncoder(cfg)
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(file), atom),
	}
	if console {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), atom))
	}

	Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return nil
}
