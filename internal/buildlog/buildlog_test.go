package buildlog

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/grs/internal/rotate"
)

const roundTripDigest = "485b8bf3a9e08bd5ccfdff7e1a8fe4e1"

func writeRoundTrip(t *testing.T, stamped bool) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "logs", "test.log")
	lo, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := lo.Log(fmt.Sprintf("first %d", i), stamped); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := lo.Rotate(rotate.DefaultUpperLimit); err != nil {
			t.Fatalf("Rotate() error = %v", err)
		}
	}
	for i := 9; i >= 0; i-- {
		if err := lo.Log(fmt.Sprintf("second %d", i), stamped); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}
	return path
}

func digestGenerations(t *testing.T, path string) string {
	t.Helper()
	h := md5.New()
	for _, suffix := range []string{"", ".0", ".1", ".2"} {
		data, err := os.ReadFile(path + suffix)
		if err != nil {
			t.Fatalf("read %s: %v", path+suffix, err)
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func TestLogRotationRoundTrip(t *testing.T) {
	t.Parallel()

	path := writeRoundTrip(t, false)
	if got := digestGenerations(t, path); got != roundTripDigest {
		t.Fatalf("concatenated log digest = %s, want %s", got, roundTripDigest)
	}
}

func TestStampedLogRotationDiffers(t *testing.T) {
	t.Parallel()

	path := writeRoundTrip(t, true)
	if got := digestGenerations(t, path); got == roundTripDigest {
		t.Fatal("stamped log digest must differ from unstamped digest")
	}
}

func TestRotateUpperLimit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.log")
	lo, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for i := 0; i < 6; i++ {
		if err := lo.Log(fmt.Sprintf("line %d", i), false); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
		if err := lo.Rotate(2); err != nil {
			t.Fatalf("Rotate() error = %v", err)
		}
	}

	for _, suffix := range []string{"", ".0", ".1", ".2"} {
		if _, err := os.Stat(path + suffix); err != nil {
			t.Fatalf("expected %s to exist: %v", path+suffix, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be absent, err = %v", path+".3", err)
	}
}

func TestStampFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.log")
	lo, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	lo.now = func() time.Time { return time.Unix(1_700_000_000, 1_234_567) }

	if err := lo.Log("hello", true); err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if got, want := string(data), "[1700000000.001234] hello\n"; got != want {
		t.Fatalf("log line = %q, want %q", got, want)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatal("Open() error = nil, want error")
	}
}

func TestBannerWidth(t *testing.T) {
	t.Parallel()

	if len(Banner) != 80 || strings.Trim(Banner, "=") != "" {
		t.Fatalf("Banner = %q, want 80 '=' characters", Banner)
	}
}
