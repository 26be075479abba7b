package artifacts

import (
	"testing"
	"time"
)

func TestMediumNames(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, time.March, 7, 23, 0, 0, 0, time.UTC)
	cases := map[string]string{
		TarballName("desktop", at):       "desktop-20260307.tar.xz",
		ISOName("desktop", at):           "desktop-20260307.iso",
		InitramfsName("desktop", at):     "initramfs-desktop-20260307",
		KernelName("desktop", at):        "kernel-desktop-20260307",
		KernelImageName("6.6.30-gentoo"): "linux-image-6.6.30-gentoo.tar.xz",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("name = %q, want %q", got, want)
		}
	}

	m := Medium{Kind: ISOMedium, Name: "desktop-20260307.iso", Dir: "/var/tmp/grs/desktop"}
	if m.Path() != "/var/tmp/grs/desktop/desktop-20260307.iso" {
		t.Fatalf("Path() = %q", m.Path())
	}
	if m.DigestPath() != "/var/tmp/grs/desktop/desktop-20260307.iso.DIGESTS" {
		t.Fatalf("DigestPath() = %q", m.DigestPath())
	}
}

func TestTracker(t *testing.T) {
	t.Parallel()

	var tracker Tracker
	if _, ok := tracker.Current(); ok {
		t.Fatal("Current() reported a medium before any was set")
	}
	tracker.Set(Medium{Kind: TarballMedium, Name: "a"})
	tracker.Set(Medium{Kind: NetbootMedium, Name: "b"})
	got, ok := tracker.Current()
	if !ok || got.Kind != NetbootMedium || got.Name != "b" {
		t.Fatalf("Current() = %+v, %v", got, ok)
	}
}

func TestPathFromURI(t *testing.T) {
	t.Parallel()

	got, err := PathFromURI("file:///srv/stages/stage3.tar.xz")
	if err != nil || got != "/srv/stages/stage3.tar.xz" {
		t.Fatalf("PathFromURI() = %q, %v", got, err)
	}
	for _, uri := range []string{"https://example.org/stage3.tar.xz", "file://remote/stage3", "file://"} {
		if _, err := PathFromURI(uri); err == nil {
			t.Fatalf("PathFromURI(%q) error = nil, want error", uri)
		}
	}
}

func TestBaseNameFromURI(t *testing.T) {
	t.Parallel()

	got, err := BaseNameFromURI("https://distfiles.gentoo.org/releases/amd64/stage3-amd64.tar.xz?x=1")
	if err != nil || got != "stage3-amd64.tar.xz" {
		t.Fatalf("BaseNameFromURI() = %q, %v", got, err)
	}
	if _, err := BaseNameFromURI("https://example.org/"); err == nil {
		t.Fatal("BaseNameFromURI() error = nil for a directory uri")
	}
}
