package browser

import "github.com/go-rod/rod/lib/launcher"

// LookPathFunc searches the host for an installed browser binary.
type LookPathFunc func() (path string, found bool)

// Locate returns the browser binary to launch. Installed browsers found by
// lookPath win; otherwise the well-known install path for goos is returned
// even if nothing is there, and the launch itself reports the failure.
func Locate(lookPath LookPathFunc, goos string) string {
	if lookPath != nil {
		if path, found := lookPath(); found && path != "" {
			return path
		}
	}
	return fallbackPath(goos)
}

// DefaultLookPath uses rod's launcher to find Chrome, Chromium or Edge.
func DefaultLookPath() (string, bool) {
	return launcher.LookPath()
}

func fallbackPath(goos string) string {
	switch goos {
	case "windows":
		return `C:\Program Files\Google\Chrome\Application\chrome.exe`
	case "darwin":
		return "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
	default:
		return "/usr/bin/google-chrome"
	}
}
