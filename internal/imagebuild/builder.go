package imagebuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/psantana5/k3s-upgrade-monitor/pkg/logging"
)

// Daemon is the part of the Docker Engine API the builder needs
type Daemon interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
}

// Result describes a successfully built image
type Result struct {
	ImageID   string
	Tags      []string
	BaseImage string
	WorkDir   string
}

// Builder runs image builds against a Docker daemon. It never retries:
// every failure is reported once and nothing is tagged.
type Builder struct {
	Daemon Daemon

	// Output receives the daemon's build log
	Output io.Writer

	ProbeBinary string
	KeepStaging bool
	Logger      *logging.Logger
}

// NewBuilder connects to the daemon configured by the environment
func NewBuilder(logger *logging.Logger) (*Builder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &BuildError{Stage: StageDaemon, Err: fmt.Errorf("failed to create docker client: %w", err)}
	}
	return &Builder{
		Daemon: cli,
		Output: os.Stdout,
		Logger: logger,
	}, nil
}

// Build validates the spec, stages the source, and asks the daemon to
// build and tag the image.
func (b *Builder) Build(ctx context.Context, s *Spec) (*Result, error) {
	logger := b.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithField("image", s.Image)

	if err := s.Validate(); err != nil {
		return nil, err
	}

	logger.Info("staging source", map[string]interface{}{"source": s.Source})
	staged, err := Stage(ctx, s, StageOptions{ProbeBinary: b.ProbeBinary, Progress: b.output()})
	if err != nil {
		return nil, err
	}
	if b.KeepStaging {
		logger.Info("keeping staging directory", map[string]interface{}{"dir": staged.Dir})
	} else {
		defer staged.Cleanup()
	}

	logger.Info("manifest parsed", map[string]interface{}{
		"manifest":     staged.Manifest.Path,
		"kind":         staged.Manifest.Kind,
		"requirements": len(staged.Manifest.Requirements),
	})

	buildCtx, err := archive.TarWithOptions(staged.Dir, &archive.TarOptions{})
	if err != nil {
		return nil, &BuildError{Stage: StageSource, Err: fmt.Errorf("failed to create build context: %w", err)}
	}
	defer buildCtx.Close()

	logger.Info("building image", map[string]interface{}{"base": s.Base, "workdir": s.WorkDir})
	resp, err := b.Daemon.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{s.Image},
		Dockerfile:  DockerfileName,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	})
	if err != nil {
		return nil, &BuildError{Stage: StageDaemon, Err: fmt.Errorf("failed to build image: %w", err)}
	}
	defer resp.Body.Close()

	imageID, err := readBuildStream(resp.Body, b.output())
	if err != nil {
		return nil, &BuildError{Stage: StageBuild, Err: err}
	}

	logger.Info("image built", map[string]interface{}{"id": imageID})
	return &Result{
		ImageID:   imageID,
		Tags:      []string{s.Image},
		BaseImage: s.Base,
		WorkDir:   s.WorkDir,
	}, nil
}

func (b *Builder) output() io.Writer {
	if b.Output == nil {
		return io.Discard
	}
	return b.Output
}

// readBuildStream drains the daemon's JSON message stream. Any error
// message in the stream fails the build.
func readBuildStream(body io.Reader, out io.Writer) (string, error) {
	var imageID string
	aux := func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var result struct {
			ID string `json:"ID"`
		}
		if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.ID != "" {
			imageID = result.ID
		}
	}

	if err := jsonmessage.DisplayJSONMessagesStream(body, out, 0, false, aux); err != nil {
		return "", err
	}
	if imageID == "" {
		return "", errors.New("daemon did not report an image ID")
	}
	return imageID, nil
}
