package shutdown

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"photorestore/core"
)

// PartialSuffix marks output files that are still being written. The CLI
// writes to name+PartialSuffix and renames on success.
const PartialSuffix = ".partial"

// PartialPath returns the temporary name an output is written under.
func PartialPath(output string) string {
	return output + PartialSuffix
}

// RemovePartialOutput returns a cleanup function that deletes the partial
// file for output, if one was left behind. Only that one file is touched.
// Failures are logged and never block shutdown.
//
//	mgr.Register("partial-output", 10, shutdown.RemovePartialOutput(logger, outPath))
func RemovePartialOutput(logger *zap.Logger, output string) core.ShutdownFunc {
	path := PartialPath(output)
	return func(ctx context.Context) error {
		err := os.Remove(path)
		switch {
		case err == nil:
			logger.Info("Removed partial output", zap.String("file", filepath.Base(path)))
		case errors.Is(err, fs.ErrNotExist):
		default:
			logger.Warn("Failed to remove partial output",
				zap.String("file", filepath.Base(path)),
				zap.Error(err),
			)
		}
		return nil
	}
}

// CloseFunc adapts an io.Closer to a cleanup function.
func CloseFunc(c io.Closer) core.ShutdownFunc {
	return func(ctx context.Context) error {
		return c.Close()
	}
}
