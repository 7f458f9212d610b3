package engine

import (
	"os"
	"path/filepath"
	"sort"
)

// defaultAccelLibDir is the glob root used when ENGINEJIT_ACCEL_LIB isn't
// set, mirroring the teacher's (gomlx/backends/xla) PJRT_PLUGIN_LIBRARY_PATH
// discovery shape, narrowed to spec §6's stated pattern.
const defaultAccelLibDir = "/usr/lib*/libenginejit_accel*.so*"

// accelLibEnvVar names the override environment variable spec §6's
// "environment-driven library discovery" describes: "it honors an override
// environment variable naming the absolute path".
const accelLibEnvVar = "ENGINEJIT_ACCEL_LIB"

// DiscoverAccelLib implements spec §6's library discovery rule: an
// ENGINEJIT_ACCEL_LIB override takes priority; otherwise glob pattern is
// searched and the lexicographically greatest non-symlink match is chosen;
// a symlink is chosen (the greatest one) only when every match is a
// symlink, so any regular file beats every symlink whatever their names.
// Returns ("", false) if nothing is found. The engine only logs the result:
// the accel backend is the simulated device whether or not a library is
// found, since the real driver shim is out of scope (spec §1).
func DiscoverAccelLib(pattern string) (path string, found bool) {
	if override := os.Getenv(accelLibEnvVar); override != "" {
		return override, true
	}

	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return "", false
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	// First pass: prefer the lexicographically greatest non-symlink.
	for _, m := range matches {
		info, err := os.Lstat(m)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return m, true
		}
	}
	// Nothing but symlinks matched; take the lexicographically greatest one.
	return matches[0], true
}
