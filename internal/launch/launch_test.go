package launch

import "testing"

func TestBrowserURLDefaultsWildcardHostToLoopback(t *testing.T) {
	if got := browserURL("0.0.0.0", 4836); got != "http://127.0.0.1:4836" {
		t.Fatalf("got %q", got)
	}
	if got := browserURL("192.168.1.50", 4836); got != "http://192.168.1.50:4836" {
		t.Fatalf("got %q", got)
	}
}

func TestOpenCommandKnowsEveryGOOSBranch(t *testing.T) {
	for _, goos := range []string{"windows", "darwin", "linux", "freebsd"} {
		t.Run(goos, func(t *testing.T) {
			cmd, args := openCommandFor(goos, "http://example.invalid")
			if cmd == "" || len(args) == 0 {
				t.Fatalf("empty opener for %s", goos)
			}
		})
	}
}
