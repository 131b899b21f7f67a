package modelruntime

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// VerifyWeights checks a weights file against an expected SHA256 checksum.
// An empty expected checksum only checks that the file exists.
//
// Returns:
//   - nil if the file exists and the checksum matches
//   - ErrModelNotFound if the file doesn't exist
//   - ErrModelCorrupted on checksum mismatch
func VerifyWeights(path, expectedSHA256 string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return fmt.Errorf("failed to access weights file: %w", err)
	}

	if expectedSHA256 == "" {
		return nil
	}

	actual, err := CalculateChecksum(path)
	if err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}

	if !strings.EqualFold(actual, expectedSHA256) {
		return fmt.Errorf("%w: expected %s, got %s", ErrModelCorrupted, strings.ToLower(expectedSHA256), actual)
	}
	return nil
}

// CalculateChecksum streams a file through SHA256 and returns the
// lowercase hex digest. Weight files can be several GB.
func CalculateChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// IsModelCorrupted reports whether err indicates a checksum mismatch.
func IsModelCorrupted(err error) bool {
	return errors.Is(err, ErrModelCorrupted)
}

// IsModelNotFound reports whether err indicates a missing weights file.
func IsModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}
