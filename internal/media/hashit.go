package media

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zeebo/blake3"

	"github.com/cochaviz/grs/internal/artifacts"
	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/process"
)

type digestTool struct {
	header string
	binary string
}

// digestTools are run in order; each appends its section to the DIGESTS file.
var digestTools = []digestTool{
	{header: "# MD5 HASH", binary: "md5sum"},
	{header: "# SHA1 HASH", binary: "sha1sum"},
	{header: "# SHA512 HASH", binary: "sha512sum"},
	{header: "# WHIRLPOOL HASH", binary: "whirlpooldeep"},
}

const blake3Header = "# BLAKE3 HASH"

// Hasher writes the DIGESTS file of a medium.
type Hasher struct {
	Runner process.Executor
	Logger *slog.Logger
}

// Hash replaces medium's DIGESTS file with one section per checksum tool.
// The tools run in the medium's directory so the file names in the digests
// are relative.
func (h *Hasher) Hash(ctx context.Context, medium artifacts.Medium) error {
	if _, err := os.Stat(medium.Path()); err != nil {
		return fmt.Errorf("hash %s: %w", medium.Path(), err)
	}
	digests := medium.DigestPath()
	if err := os.Remove(digests); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale digests: %w", err)
	}

	logging.Ensure(h.Logger).Info("hashing medium", "medium", medium.String(), "digests", digests)
	for _, tool := range digestTools {
		if err := appendLine(digests, tool.header); err != nil {
			return err
		}
		command := process.Command{
			Args:    []string{tool.binary, medium.Name},
			Dir:     medium.Dir,
			Timeout: stepTimeout,
			LogFile: digests,
		}
		if _, err := h.Runner.Run(ctx, command); err != nil {
			return fmt.Errorf("%s: %w", tool.binary, err)
		}
	}

	sum, err := blake3Sum(medium.Path())
	if err != nil {
		return err
	}
	if err := appendLine(digests, blake3Header); err != nil {
		return err
	}
	return appendLine(digests, fmt.Sprintf("%s  %s", sum, medium.Name))
}

func blake3Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
