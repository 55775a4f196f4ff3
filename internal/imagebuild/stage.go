package imagebuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/pkg/archive"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Staged is a build context prepared on disk
type Staged struct {
	Dir      string
	Manifest *Manifest
}

// Cleanup removes the staging directory
func (s *Staged) Cleanup() error {
	return os.RemoveAll(s.Dir)
}

// StageOptions control how the build context is prepared
type StageOptions struct {
	// ProbeBinary is copied into the context when the spec asks for the
	// bundled probe
	ProbeBinary string

	// Progress receives git clone progress
	Progress io.Writer
}

// Stage copies or clones the source tree into a temp dir, parses the
// manifest and writes the generated Dockerfile next to it.
func Stage(ctx context.Context, s *Spec, opts StageOptions) (*Staged, error) {
	dir, err := os.MkdirTemp("", "upgrade-monitor-build-*")
	if err != nil {
		return nil, &BuildError{Stage: StageSource, Err: fmt.Errorf("failed to create temp dir: %w", err)}
	}
	staged := &Staged{Dir: dir}

	if err := fetchSource(ctx, s, dir, opts.Progress); err != nil {
		staged.Cleanup()
		return nil, err
	}

	manifest, err := ParseManifest(dir, s.Manifest)
	if err != nil {
		staged.Cleanup()
		return nil, err
	}
	staged.Manifest = manifest

	if s.Healthcheck.Probe && len(s.Healthcheck.Command) == 0 {
		if err := copyProbe(opts.ProbeBinary, dir); err != nil {
			staged.Cleanup()
			return nil, &BuildError{Stage: StageSource, Err: err}
		}
	}

	dockerfile, err := RenderDockerfile(s, manifest)
	if err != nil {
		staged.Cleanup()
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, DockerfileName), dockerfile, 0o644); err != nil {
		staged.Cleanup()
		return nil, &BuildError{Stage: StageRender, Err: err}
	}

	return staged, nil
}

func fetchSource(ctx context.Context, s *Spec, dir string, progress io.Writer) error {
	if IsGitSource(s.Source) {
		opts := &git.CloneOptions{
			URL:          s.Source,
			Progress:     progress,
			Depth:        1,
			SingleBranch: true,
		}
		if s.Ref != "" {
			opts.ReferenceName = plumbing.NewBranchReferenceName(s.Ref)
		}
		if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
			return &BuildError{Stage: StageSource, Err: fmt.Errorf("failed to clone %s: %w", s.Source, err)}
		}
		// The repository metadata is not part of the image
		return os.RemoveAll(filepath.Join(dir, ".git"))
	}

	info, err := os.Stat(s.Source)
	if err != nil {
		return &BuildError{Stage: StageSource, Err: err}
	}
	if !info.IsDir() {
		return &BuildError{Stage: StageSource, Err: fmt.Errorf("source %s is not a directory", s.Source)}
	}
	if err := archive.NewDefaultArchiver().CopyWithTar(s.Source, dir); err != nil {
		return &BuildError{Stage: StageSource, Err: fmt.Errorf("failed to copy %s: %w", s.Source, err)}
	}
	return nil
}

func copyProbe(binary, dir string) error {
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate probe binary: %w", err)
		}
		binary = exe
	}

	src, err := os.Open(binary)
	if err != nil {
		return fmt.Errorf("open probe binary: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Join(dir, ProbeDir), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(filepath.Join(dir, ProbeDir, ProbeName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
