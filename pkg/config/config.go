// Package config resolves the node controller's environment-derived
// settings: the CC_DIR install root and default handler search paths.
package config

import (
	"os"
	"runtime"

	"github.com/cuemby/ccnode/pkg/log"
)

// InstallRoot resolves CC_DIR (spec §6's environment section): used as
// the default handler search path and a Worker's fallback working
// directory. A warning is logged and the current directory substituted
// when it is unset, never a fatal error.
func InstallRoot() string {
	if dir := os.Getenv("CC_DIR"); dir != "" {
		return dir
	}
	log.WithComponent("config").Warn().Msg("CC_DIR is not set, falling back to the current directory")
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// Hostname returns the local hostname, the default node name absent an
// operator override.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}

// NumCPU returns the detected logical CPU count, the default worker
// pool size absent an operator override.
func NumCPU() int {
	return runtime.NumCPU()
}
