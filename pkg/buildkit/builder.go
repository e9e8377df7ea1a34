package buildkit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/docker/cli/cli/config"
	"github.com/moby/buildkit/client"
	"github.com/moby/buildkit/session"
	"github.com/moby/buildkit/session/auth/authprovider"
	"golang.org/x/sync/errgroup"
)

// BuildDockerfile executes a BuildKit solve using the dockerfile frontend and
// exports the result as an OCI layout.
func BuildDockerfile(ctx context.Context, opts DockerfileBuildOptions) (*BuildResult, error) {
	if opts.ContextDir == "" {
		opts.ContextDir = "."
	}

	absContext, err := filepath.Abs(opts.ContextDir)
	if err != nil {
		return nil, fmt.Errorf("resolve context: %w", err)
	}
	if err := ensureDirExists(absContext); err != nil {
		return nil, fmt.Errorf("context %s: %w", absContext, err)
	}

	dockerfilePath := opts.DockerfilePath
	if dockerfilePath == "" {
		dockerfilePath = filepath.Join(absContext, "Dockerfile")
	}
	if !filepath.IsAbs(dockerfilePath) {
		dockerfilePath = filepath.Join(absContext, dockerfilePath)
	}
	dockerfileDir, dockerfileName, err := splitDockerfile(dockerfilePath)
	if err != nil {
		return nil, err
	}

	if opts.OCIOutputPath == "" {
		return nil, fmt.Errorf("OCIOutputPath is required")
	}
	if err := os.MkdirAll(opts.OCIOutputPath, 0o755); err != nil {
		return nil, fmt.Errorf("create OCI output dir: %w", err)
	}

	if opts.ProgressOutput == nil {
		opts.ProgressOutput = os.Stderr
	}
	dockerCfg := opts.DockerConfig
	if dockerCfg == nil {
		dockerCfg = config.LoadDefaultConfigFile(os.Stderr)
	}

	cacheDir := DefaultCacheDir()
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	builderAddr := opts.BuilderAddr
	if builderAddr == "" {
		builderAddr = DefaultBuilderAddress()
	}
	c, err := client.New(ctx, builderAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to buildkit at %s: %w", builderAddr, err)
	}
	defer c.Close()

	if len(opts.Platforms) == 0 {
		opts.Platforms = []string{fmt.Sprintf("linux/%s", runtime.GOARCH)}
	}

	frontendAttrs := map[string]string{
		"filename": dockerfileName,
		"platform": strings.Join(opts.Platforms, ","),
	}
	if opts.Target != "" {
		frontendAttrs["target"] = opts.Target
	}
	if opts.Pull {
		frontendAttrs["pull"] = "true"
	}
	if opts.NoCache {
		frontendAttrs["no-cache"] = ""
	}
	keys := make([]string, 0, len(opts.BuildArgs))
	for k := range opts.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		frontendAttrs["build-arg:"+k] = opts.BuildArgs[k]
	}

	solveOpt := client.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: frontendAttrs,
		LocalDirs: map[string]string{
			"context":    absContext,
			"dockerfile": dockerfileDir,
		},
		Session: []session.Attachable{
			authprovider.NewDockerAuthProvider(authprovider.DockerAuthProviderConfig{
				ConfigFile: dockerCfg,
			}),
		},
		Exports: []client.ExportEntry{{
			Type:      client.ExporterOCI,
			Attrs:     map[string]string{"tar": "false"},
			OutputDir: opts.OCIOutputPath,
		}},
	}
	if !opts.NoCache {
		solveOpt.CacheExports = []client.CacheOptionsEntry{{
			Type:  "local",
			Attrs: map[string]string{"dest": cacheDir, "mode": "max"},
		}}
		solveOpt.CacheImports = []client.CacheOptionsEntry{{
			Type:  "local",
			Attrs: map[string]string{"src": cacheDir},
		}}
	}

	statusCh := make(chan *client.SolveStatus)
	eg, solveCtx := errgroup.WithContext(ctx)
	var resp *client.SolveResponse
	eg.Go(func() error {
		var serr error
		resp, serr = c.Solve(solveCtx, nil, solveOpt, statusCh)
		return serr
	})
	eg.Go(func() error {
		writePlainProgress(statusCh, opts.ProgressOutput)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	digest := resp.ExporterResponse["containerimage.digest"]
	if digest == "" {
		digest = resp.ExporterResponse["oci.digest"]
	}
	return &BuildResult{
		Digest:           digest,
		ExporterResponse: resp.ExporterResponse,
		OCIOutputPath:    opts.OCIOutputPath,
	}, nil
}

// writePlainProgress renders solve status updates as plain log lines. The
// caller usually wraps the writer with a tail buffer so failure diagnostics
// survive in the returned error.
func writePlainProgress(ch chan *client.SolveStatus, out io.Writer) {
	for status := range ch {
		for _, v := range status.Vertexes {
			if v.Started != nil && v.Completed == nil {
				fmt.Fprintf(out, "=> %s\n", v.Name)
			}
			if v.Error != "" {
				fmt.Fprintf(out, "=> ERROR %s: %s\n", v.Name, v.Error)
			}
		}
		for _, l := range status.Logs {
			out.Write(l.Data)
		}
	}
}

func ensureDirExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}
	return nil
}

func splitDockerfile(path string) (string, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("dockerfile %s: %w", path, err)
	}
	if info.IsDir() {
		return "", "", fmt.Errorf("dockerfile %s is a directory", path)
	}
	return filepath.Dir(path), filepath.Base(path), nil
}
