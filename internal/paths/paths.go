// Package paths resolves the data, config, and cache directories.
// os.UserHomeDir reports /root when the process was launched through
// sudo or runs as a systemd unit, so resolution consults the invoking
// user first.
package paths

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

const appDir = "meshforge"

// RealHome returns the invoking user's home directory.
// Order: SUDO_USER, then a non-root LOGNAME/USER, then the effective
// UID's password-database entry, then the runtime's reported home.
func RealHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil && u.HomeDir != "" {
			return u.HomeDir
		}
	}
	for _, key := range []string{"LOGNAME", "USER"} {
		name := os.Getenv(key)
		if name == "" || name == "root" {
			continue
		}
		if u, err := user.Lookup(name); err == nil && u.HomeDir != "" {
			return u.HomeDir
		}
	}
	if u, err := user.LookupId(strconv.Itoa(os.Getuid())); err == nil {
		if u.HomeDir != "" && u.Username != "root" {
			return u.HomeDir
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}

// DataDir is where databases and collector caches live.
// $XDG_DATA_HOME/meshforge or ~/.local/share/meshforge.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	return filepath.Join(RealHome(), ".local", "share", appDir)
}

// ConfigDir is where settings files live.
// $XDG_CONFIG_HOME/meshforge or ~/.config/meshforge.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	return filepath.Join(RealHome(), ".config", appDir)
}

// CacheDir is where logs and temporary files live.
// $XDG_CACHE_HOME/meshforge or ~/.cache/meshforge.
func CacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	return filepath.Join(RealHome(), ".cache", appDir)
}
