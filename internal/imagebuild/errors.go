package imagebuild

import "fmt"

// Build stages, in order
const (
	StageSpec     = "spec"
	StageSource   = "source"
	StageManifest = "manifest"
	StageRender   = "render"
	StageDaemon   = "daemon"
	StageBuild    = "build"
)

// BuildError reports which stage of a build failed
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}
