package buildkit

import (
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/docker/cli/cli/config/configfile"
)

// DockerfileBuildOptions configures a Dockerfile-based build invocation.
type DockerfileBuildOptions struct {
	BuilderAddr    string
	ContextDir     string
	DockerfilePath string
	Platforms      []string
	BuildArgs      map[string]string
	Target         string
	NoCache        bool
	Pull           bool

	// OCIOutputPath receives the built image as an OCI layout. Publishing to
	// a registry is a separate step so a failed push never leaves a partial
	// artifact referenced.
	OCIOutputPath string

	ProgressOutput io.Writer
	DockerConfig   *configfile.ConfigFile
}

// BuildResult describes the result of a Dockerfile build.
type BuildResult struct {
	Digest           string
	ExporterResponse map[string]string
	OCIOutputPath    string
}

// DefaultBuilderAddress returns the buildkitd address used when none is
// configured: $BUILDKIT_HOST, then the conventional local socket.
func DefaultBuilderAddress() string {
	if addr := os.Getenv("BUILDKIT_HOST"); addr != "" {
		return addr
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/buildkitd"
	}
	return "unix:///run/buildkit/buildkitd.sock"
}

// DefaultCacheDir returns the local build cache directory.
func DefaultCacheDir() string {
	if dir := os.Getenv("DEPCTL_CACHE_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "depctl", "buildkit")
}
