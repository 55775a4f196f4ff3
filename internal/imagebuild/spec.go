// Package imagebuild assembles the container image: base runtime, fixed
// working directory, source tree and an installed dependency manifest.
//
// A build either produces a tagged image or fails with nothing tagged.
package imagebuild

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
)

// Manifest kinds
const (
	KindPip = "pip"
	KindGo  = "go"
)

// DefaultWorkDir is used when the spec leaves workdir empty
const DefaultWorkDir = "/app"

// ManifestSpec points at the dependency manifest inside the source tree
type ManifestSpec struct {
	Path string `yaml:"path"`
	Kind string `yaml:"kind"`
}

// HealthcheckSpec is rendered into the image HEALTHCHECK instruction
type HealthcheckSpec struct {
	Command     []string      `yaml:"command"`
	Probe       bool          `yaml:"probe"`
	Signature   []string      `yaml:"signature"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	StartPeriod time.Duration `yaml:"start_period"`
	Retries     int           `yaml:"retries"`
}

// Enabled reports whether a HEALTHCHECK will be rendered
func (h HealthcheckSpec) Enabled() bool {
	return h.Probe || len(h.Command) > 0
}

// Spec describes one image build
type Spec struct {
	Image       string            `yaml:"image"`
	Base        string            `yaml:"base"`
	Source      string            `yaml:"source"`
	Ref         string            `yaml:"ref"`
	WorkDir     string            `yaml:"workdir"`
	Manifest    ManifestSpec      `yaml:"manifest"`
	Install     []string          `yaml:"install"`
	Entrypoint  []string          `yaml:"entrypoint"`
	Env         map[string]string `yaml:"env"`
	Healthcheck HealthcheckSpec   `yaml:"healthcheck"`
}

// LoadSpec reads a YAML build spec and fills in defaults
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &BuildError{Stage: StageSpec, Err: err}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, &BuildError{Stage: StageSpec, Err: fmt.Errorf("parse %s: %w", path, err)}
	}

	// Relative local sources resolve against the spec file
	if spec.Source != "" && !IsGitSource(spec.Source) && !filepath.IsAbs(spec.Source) {
		spec.Source = filepath.Join(filepath.Dir(path), spec.Source)
	}

	spec.ApplyDefaults()
	return &spec, nil
}

// ApplyDefaults fills unset fields
func (s *Spec) ApplyDefaults() {
	if s.WorkDir == "" {
		s.WorkDir = DefaultWorkDir
	}
	if s.Manifest.Kind == "" {
		s.Manifest.Kind = inferKind(s.Manifest.Path)
	}
	if len(s.Install) == 0 {
		switch s.Manifest.Kind {
		case KindPip:
			s.Install = []string{"pip", "install", "--no-cache-dir", "-r", s.Manifest.Path}
		case KindGo:
			s.Install = []string{"go", "mod", "download"}
		}
	}

	hc := &s.Healthcheck
	if hc.Interval == 0 {
		hc.Interval = 30 * time.Second
	}
	if hc.Timeout == 0 {
		hc.Timeout = 10 * time.Second
	}
	if hc.StartPeriod == 0 {
		hc.StartPeriod = 10 * time.Second
	}
	if hc.Retries == 0 {
		hc.Retries = 3
	}
	if len(hc.Signature) == 0 {
		hc.Signature = s.Entrypoint
	}
}

func inferKind(path string) string {
	switch filepath.Base(path) {
	case "go.mod":
		return KindGo
	case "":
		return ""
	default:
		if strings.HasSuffix(path, ".txt") {
			return KindPip
		}
		return ""
	}
}

// Validate checks the spec without touching the filesystem or daemon
func (s *Spec) Validate() error {
	var errs []error

	if s.Image == "" {
		errs = append(errs, errors.New("image is required"))
	} else if _, err := name.ParseReference(s.Image); err != nil {
		errs = append(errs, fmt.Errorf("image: %w", err))
	}

	if s.Base == "" {
		errs = append(errs, errors.New("base is required"))
	} else if _, err := name.ParseReference(s.Base); err != nil {
		errs = append(errs, fmt.Errorf("base: %w", err))
	} else if !hasExplicitVersion(s.Base) {
		errs = append(errs, fmt.Errorf("base %q must pin a version tag or digest", s.Base))
	}

	if s.Source == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if s.Ref != "" && !IsGitSource(s.Source) {
		errs = append(errs, errors.New("ref is only valid for git sources"))
	}
	if !strings.HasPrefix(s.WorkDir, "/") {
		errs = append(errs, fmt.Errorf("workdir %q must be absolute", s.WorkDir))
	}

	if s.Manifest.Path == "" {
		errs = append(errs, errors.New("manifest.path is required"))
	} else if filepath.IsAbs(s.Manifest.Path) || strings.HasPrefix(filepath.Clean(s.Manifest.Path), "..") {
		errs = append(errs, fmt.Errorf("manifest.path %q must be inside the source tree", s.Manifest.Path))
	}
	if s.Manifest.Kind != KindPip && s.Manifest.Kind != KindGo {
		errs = append(errs, fmt.Errorf("manifest.kind %q must be %s or %s", s.Manifest.Kind, KindPip, KindGo))
	}

	if len(s.Install) == 0 {
		errs = append(errs, errors.New("install command is required"))
	}
	if len(s.Entrypoint) == 0 {
		errs = append(errs, errors.New("entrypoint is required"))
	}

	for k := range s.Env {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			errs = append(errs, fmt.Errorf("env: invalid variable name %q", k))
		}
	}

	hc := s.Healthcheck
	if hc.Probe && len(hc.Command) > 0 {
		errs = append(errs, errors.New("healthcheck: command and probe are mutually exclusive"))
	}
	if hc.Probe && len(hc.Signature) == 0 {
		errs = append(errs, errors.New("healthcheck: probe needs a signature"))
	}
	if hc.Interval < 0 || hc.Timeout < 0 || hc.StartPeriod < 0 || hc.Retries < 0 {
		errs = append(errs, errors.New("healthcheck: durations and retries must not be negative"))
	}

	if len(errs) > 0 {
		return &BuildError{Stage: StageSpec, Err: errors.Join(errs...)}
	}
	return nil
}

// hasExplicitVersion reports whether ref names a tag or digest rather than
// relying on the implicit "latest"
func hasExplicitVersion(ref string) bool {
	if strings.Contains(ref, "@") {
		return true
	}
	last := ref[strings.LastIndex(ref, "/")+1:]
	return strings.Contains(last, ":")
}

// IsGitSource reports whether source is a git URL rather than a local path
func IsGitSource(source string) bool {
	for _, prefix := range []string{"https://", "http://", "ssh://", "git://", "git@", "file://"} {
		if strings.HasPrefix(source, prefix) {
			return true
		}
	}
	return strings.HasSuffix(source, ".git")
}
