package logsink

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the name of the active log file inside FileSink.Directory.
const FileName = "docsync.log"

const (
	DefaultMaxKeptFiles = 2
	DefaultMaxFileSize  = 512 * 1024
)

// FileSink writes every domain to a rotating log file.
type FileSink struct {
	Level     slog.Level
	Directory string
	// Plaintext selects text lines instead of JSON.
	Plaintext bool
	// MaxKeptFiles counts rotated files kept besides the active one.
	MaxKeptFiles int
	// MaxFileSize is the rotation threshold in bytes, rounded up to whole
	// megabytes.
	MaxFileSize int64
}

func (f *FileSink) open() (slog.Handler, io.Closer, error) {
	if f.Directory == "" {
		return nil, nil, fmt.Errorf("file log sink: directory is required")
	}
	if err := os.MkdirAll(f.Directory, 0o755); err != nil {
		return nil, nil, fmt.Errorf("file log sink: %w", err)
	}

	kept := f.MaxKeptFiles
	if kept <= 0 {
		kept = DefaultMaxKeptFiles
	}
	size := f.MaxFileSize
	if size <= 0 {
		size = DefaultMaxFileSize
	}
	w := &lumberjack.Logger{
		Filename:   filepath.Join(f.Directory, FileName),
		MaxSize:    megabytes(size),
		MaxBackups: kept,
	}

	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if f.Plaintext {
		return slog.NewTextHandler(w, opts), w, nil
	}
	return slog.NewJSONHandler(w, opts), w, nil
}

func megabytes(n int64) int {
	const mb = 1024 * 1024
	return int((n + mb - 1) / mb)
}
