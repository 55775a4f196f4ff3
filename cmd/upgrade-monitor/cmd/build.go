package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/k3s-upgrade-monitor/internal/imagebuild"
)

// buildOptions holds the build flags. Set fields override the spec file.
type buildOptions struct {
	spec         string
	image        string
	base         string
	source       string
	ref          string
	workDir      string
	manifest     string
	manifestKind string
	install      []string
	entrypoint   []string
	probe        bool
	probeBinary  string
	keepStaging  bool
}

var buildFlags buildOptions

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a container image from a build spec",
	Long: `Build stages a source tree, installs its dependency manifest on top of
a versioned base runtime, and asks the Docker daemon to build and tag the
image. A failure at any step fails the build and nothing is tagged.

Flags override the corresponding fields of the spec file. Without --spec the
flags alone describe the build: --image, --base, --source, --manifest and
--entrypoint are then required.

Example:
  upgrade-monitor build --spec build.yaml
  upgrade-monitor build --spec build.yaml --image registry.local/monitor:1.0.1
  upgrade-monitor build --source https://github.com/example/app.git --ref main \
    --base python:3.11-slim --image app:1.0.0 --manifest requirements.txt \
    --entrypoint python --entrypoint=-u --entrypoint main.py --probe`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	f := buildCmd.Flags()
	f.StringVar(&buildFlags.spec, "spec", "", "build spec file (yaml)")
	f.StringVar(&buildFlags.image, "image", "", "image reference to tag on success")
	f.StringVar(&buildFlags.base, "base", "", "base runtime image, with an explicit tag or digest")
	f.StringVar(&buildFlags.source, "source", "", "source tree: local directory or git URL")
	f.StringVar(&buildFlags.ref, "ref", "", "git branch for git sources")
	f.StringVar(&buildFlags.workDir, "workdir", "", "working directory inside the image (default /app)")
	f.StringVar(&buildFlags.manifest, "manifest", "", "dependency manifest path, relative to the source root")
	f.StringVar(&buildFlags.manifestKind, "manifest-kind", "", "manifest kind: pip or go (default from the file name)")
	f.StringArrayVar(&buildFlags.install, "install", nil, "install command token, repeatable (default from the manifest kind)")
	f.StringArrayVar(&buildFlags.entrypoint, "entrypoint", nil, "entrypoint token, repeatable")
	f.BoolVar(&buildFlags.probe, "probe", false, "bundle this binary and use its healthcheck as the HEALTHCHECK")
	f.StringVar(&buildFlags.probeBinary, "probe-binary", "", "binary bundled as the health probe (default this executable)")
	f.BoolVar(&buildFlags.keepStaging, "keep-staging", false, "keep the staging directory for inspection")
}

// resolveBuildSpec loads the spec file, if any, and applies the flags
func resolveBuildSpec(opts buildOptions) (*imagebuild.Spec, error) {
	spec := &imagebuild.Spec{}
	if opts.spec != "" {
		loaded, err := imagebuild.LoadSpec(opts.spec)
		if err != nil {
			return nil, err
		}
		spec = loaded
	}

	if opts.image != "" {
		spec.Image = opts.image
	}
	if opts.base != "" {
		spec.Base = opts.base
	}
	if opts.source != "" {
		spec.Source = opts.source
	}
	if opts.ref != "" {
		spec.Ref = opts.ref
	}
	if opts.workDir != "" {
		spec.WorkDir = opts.workDir
	}
	if opts.manifest != "" || opts.manifestKind != "" {
		if opts.manifest != "" {
			spec.Manifest.Path = opts.manifest
			spec.Manifest.Kind = ""
		}
		if opts.manifestKind != "" {
			spec.Manifest.Kind = opts.manifestKind
		}
		// the defaulted install command names the old manifest
		spec.Install = nil
	}
	if len(opts.install) > 0 {
		spec.Install = opts.install
	}
	if len(opts.entrypoint) > 0 {
		if sameTokens(spec.Healthcheck.Signature, spec.Entrypoint) {
			spec.Healthcheck.Signature = nil
		}
		spec.Entrypoint = opts.entrypoint
	}
	if opts.probe {
		spec.Healthcheck.Probe = true
		spec.Healthcheck.Command = nil
	}

	spec.ApplyDefaults()
	return spec, nil
}

func sameTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func runBuild(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	spec, err := resolveBuildSpec(buildFlags)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	builder, err := imagebuild.NewBuilder(logger)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	builder.KeepStaging = buildFlags.keepStaging

	if spec.Healthcheck.Probe {
		probe := buildFlags.probeBinary
		if probe == "" {
			probe, err = os.Executable()
			if err != nil {
				return &ExitError{Code: 1, Err: fmt.Errorf("failed to locate probe binary: %w", err)}
			}
		}
		builder.ProbeBinary = probe
	}

	result, err := builder.Build(cmd.Context(), spec)
	if err != nil {
		return &ExitError{Code: 1, Err: fmt.Errorf("build failed: %w", err)}
	}

	fmt.Printf("Successfully built %s\n", result.ImageID)
	for _, tag := range result.Tags {
		fmt.Printf("Successfully tagged %s\n", tag)
	}
	return nil
}
