package shared

import (
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

var getRuntime = func() string { return runtime.GOOS }

// OpenBrowser launches the default browser on an authorization URL.
//
// The only URLs this app ever opens are the Spotify consent pages, so
// anything that is not http(s) is rejected instead of being handed to a
// platform shell helper.
func OpenBrowser(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: refusing to open %q in a browser", ErrInvalidArgument, rawURL)
	}

	rt := getRuntime()
	name, args := browserCommand(rt, rawURL)
	if name == "" {
		return fmt.Errorf("unsupported platform: %s", rt)
	}

	if err := exec.Command(name, args...).Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}

	return nil
}

// browserCommand maps a GOOS to the platform's URL-opening command.
func browserCommand(goos, url string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{url}
	case "linux":
		return "xdg-open", []string{url}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	default:
		return "", nil
	}
}
