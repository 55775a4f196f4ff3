package imagebuild

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func validSpec(source string) *Spec {
	s := &Spec{
		Image:      "registry.local/k3s-upgrade-monitor:1.0.0",
		Base:       "python:3.11-slim",
		Source:     source,
		Manifest:   ManifestSpec{Path: "requirements.txt"},
		Entrypoint: []string{"python", "-u", "main.py"},
		Env:        map[string]string{"PYTHONUNBUFFERED": "1"},
		Healthcheck: HealthcheckSpec{
			Command: []string{"pgrep", "-f", "main.py"},
		},
	}
	s.ApplyDefaults()
	return s
}

func pythonSource(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "requirements.txt"), "kubernetes==29.0.0\nrequests>=2.31  # http\n")
	writeFile(t, filepath.Join(dir, "main.py"), "print('hi')\n")
	return dir
}

func TestLoadSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.yaml")
	writeFile(t, path, `
image: registry.local/monitor:1.0.0
base: python:3.11-slim
source: src
manifest:
  path: requirements.txt
entrypoint: ["python", "-u", "main.py"]
healthcheck:
  probe: true
  interval: 15s
`)

	s, err := LoadSpec(path)
	if err != nil {
		t.Fatalf("LoadSpec() error = %v", err)
	}

	if s.Source != filepath.Join(dir, "src") {
		t.Errorf("Source = %s, want path relative to the spec file", s.Source)
	}
	if s.WorkDir != DefaultWorkDir {
		t.Errorf("WorkDir = %s, want %s", s.WorkDir, DefaultWorkDir)
	}
	if s.Manifest.Kind != KindPip {
		t.Errorf("Manifest.Kind = %s, want pip", s.Manifest.Kind)
	}
	if strings.Join(s.Install, " ") != "pip install --no-cache-dir -r requirements.txt" {
		t.Errorf("Install = %v", s.Install)
	}
	if s.Healthcheck.Interval != 15*time.Second || s.Healthcheck.Timeout != 10*time.Second {
		t.Errorf("Healthcheck durations = %v/%v", s.Healthcheck.Interval, s.Healthcheck.Timeout)
	}
	if strings.Join(s.Healthcheck.Signature, " ") != "python -u main.py" {
		t.Errorf("Signature = %v, want entrypoint", s.Healthcheck.Signature)
	}
}

func TestLoadSpec_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.yaml")
	writeFile(t, path, "image: a:1\nbogus: true\n")

	_, err := LoadSpec(path)
	var be *BuildError
	if !errors.As(err, &be) || be.Stage != StageSpec {
		t.Errorf("LoadSpec() error = %v, want spec BuildError", err)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr string
	}{
		{"valid", func(*Spec) {}, ""},
		{"digest base", func(s *Spec) { s.Base = "python@sha256:" + strings.Repeat("a", 64) }, ""},
		{"registry with port", func(s *Spec) { s.Base = "localhost:5000/python:3.11" }, ""},
		{"base without tag", func(s *Spec) { s.Base = "python" }, "must pin a version"},
		{"registry port but no tag", func(s *Spec) { s.Base = "localhost:5000/python" }, "must pin a version"},
		{"bad image", func(s *Spec) { s.Image = "UPPER/case:1" }, "image"},
		{"missing entrypoint", func(s *Spec) { s.Entrypoint = nil }, "entrypoint is required"},
		{"relative workdir", func(s *Spec) { s.WorkDir = "app" }, "must be absolute"},
		{"manifest escapes", func(s *Spec) { s.Manifest.Path = "../requirements.txt" }, "inside the source tree"},
		{"unknown kind", func(s *Spec) { s.Manifest.Kind = "npm" }, "manifest.kind"},
		{"ref on local source", func(s *Spec) { s.Ref = "main" }, "only valid for git"},
		{"probe and command", func(s *Spec) { s.Healthcheck.Probe = true }, "mutually exclusive"},
		{"bad env", func(s *Spec) { s.Env["A=B"] = "x" }, "invalid variable name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec("/src")
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestIsGitSource(t *testing.T) {
	tests := map[string]bool{
		"https://github.com/org/repo": true,
		"git@github.com:org/repo.git": true,
		"ssh://git@host/repo":         true,
		"./local":                     false,
		"/abs/path":                   false,
		"/abs/bare.git":               true,
	}
	for in, want := range tests {
		if got := IsGitSource(in); got != want {
			t.Errorf("IsGitSource(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParsePip(t *testing.T) {
	input := `# pinned deps
kubernetes==29.0.0
requests>=2.31  # http client
--index-url https://pypi.org/simple

urllib3[secure]
`
	reqs, err := parsePip(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parsePip() error = %v", err)
	}

	want := []Requirement{
		{Name: "kubernetes", Version: "==29.0.0", Line: 2},
		{Name: "requests", Version: ">=2.31", Line: 3},
		{Name: "urllib3", Version: "[secure]", Line: 6},
	}
	if len(reqs) != len(want) {
		t.Fatalf("got %d requirements, want %d", len(reqs), len(want))
	}
	for i, w := range want {
		if reqs[i] != w {
			t.Errorf("reqs[%d] = %+v, want %+v", i, reqs[i], w)
		}
	}
}

func TestParsePip_Errors(t *testing.T) {
	tests := []string{
		"-r other.txt\n",
		"--requirement=base.txt\n",
		"-c constraints.txt\n",
		"==1.0\n",
	}
	for _, input := range tests {
		if _, err := parsePip(strings.NewReader(input)); err == nil {
			t.Errorf("parsePip(%q) expected error", input)
		}
	}
}

func TestParseManifest_Go(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), "module example.com/mon\n\ngo 1.25.0\n\nrequire github.com/google/uuid v1.6.0\n")
	writeFile(t, filepath.Join(dir, "go.sum"), "")

	m, err := ParseManifest(dir, ManifestSpec{Path: "go.mod", Kind: KindGo})
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if m.Module != "example.com/mon" {
		t.Errorf("Module = %s", m.Module)
	}
	if len(m.Requirements) != 1 || m.Requirements[0].Name != "github.com/google/uuid" {
		t.Errorf("Requirements = %+v", m.Requirements)
	}
	if strings.Join(m.Files, ",") != "go.mod,go.sum" {
		t.Errorf("Files = %v", m.Files)
	}
}

func TestParseManifest_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), "go 1.25.0\n")

	tests := []struct {
		name string
		spec ManifestSpec
	}{
		{"missing file", ManifestSpec{Path: "requirements.txt", Kind: KindPip}},
		{"no module directive", ManifestSpec{Path: "go.mod", Kind: KindGo}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(dir, tt.spec)
			var be *BuildError
			if !errors.As(err, &be) || be.Stage != StageManifest {
				t.Errorf("ParseManifest() error = %v, want manifest BuildError", err)
			}
		})
	}
}

func TestRenderDockerfile_Order(t *testing.T) {
	s := validSpec("/src")
	m := &Manifest{Path: "requirements.txt", Kind: KindPip, Files: []string{"requirements.txt"}}

	out, err := RenderDockerfile(s, m)
	if err != nil {
		t.Fatalf("RenderDockerfile() error = %v", err)
	}

	want := []string{
		`FROM python:3.11-slim`,
		`WORKDIR /app`,
		`COPY ["requirements.txt","./requirements.txt"]`,
		`RUN ["pip","install","--no-cache-dir","-r","requirements.txt"]`,
		`COPY . .`,
		`ENV PYTHONUNBUFFERED="1"`,
		`HEALTHCHECK --interval=30s --timeout=10s --start-period=10s --retries=3 CMD ["pgrep","-f","main.py"]`,
		`CMD ["python","-u","main.py"]`,
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), out)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestHealthcheckCommand_Probe(t *testing.T) {
	s := validSpec("/src")
	s.Healthcheck.Command = nil
	s.Healthcheck.Probe = true

	got := strings.Join(HealthcheckCommand(s), " ")
	want := "/app/.probe/upgrade-monitor healthcheck --match=python --match=-u --match=main.py"
	if got != want {
		t.Errorf("HealthcheckCommand() = %q, want %q", got, want)
	}

	s.Healthcheck.Probe = false
	if HealthcheckCommand(s) != nil {
		t.Error("no command expected when health check is disabled")
	}
}

func TestStage_Local(t *testing.T) {
	src := pythonSource(t)
	writeFile(t, filepath.Join(src, "monitor", "jobs.py"), "JOBS = []\n")
	probe := filepath.Join(t.TempDir(), "probe")
	writeFile(t, probe, "#!/bin/sh\n")

	s := validSpec(src)
	s.Healthcheck.Command = nil
	s.Healthcheck.Probe = true

	staged, err := Stage(context.Background(), s, StageOptions{ProbeBinary: probe})
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	defer staged.Cleanup()

	for _, f := range []string{"main.py", "requirements.txt", DockerfileName, filepath.Join(ProbeDir, ProbeName)} {
		if _, err := os.Stat(filepath.Join(staged.Dir, f)); err != nil {
			t.Errorf("staged context missing %s: %v", f, err)
		}
	}
	data, err := os.ReadFile(filepath.Join(staged.Dir, "monitor", "jobs.py"))
	if err != nil || string(data) != "JOBS = []\n" {
		t.Errorf("nested source file not copied: %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(src, DockerfileName)); !os.IsNotExist(err) {
		t.Error("staging wrote into the source tree")
	}
	if len(staged.Manifest.Requirements) != 2 {
		t.Errorf("Requirements = %+v", staged.Manifest.Requirements)
	}

	if err := staged.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(staged.Dir); !os.IsNotExist(err) {
		t.Error("Cleanup() left the staging dir behind")
	}
}

type fakeDaemon struct {
	stream  string
	err     error
	called  bool
	options types.ImageBuildOptions
	files   []string
}

func (f *fakeDaemon) ImageBuild(_ context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	f.called = true
	f.options = options

	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		f.files = append(f.files, hdr.Name)
	}

	if f.err != nil {
		return types.ImageBuildResponse{}, f.err
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.stream))}, nil
}

func TestBuilder_Build(t *testing.T) {
	daemon := &fakeDaemon{stream: `{"stream":"Step 1/8 : FROM python:3.11-slim\n"}
{"stream":"Successfully built abc\n"}
{"aux":{"ID":"sha256:abc123"}}
`}
	b := &Builder{Daemon: daemon, Output: io.Discard}

	result, err := b.Build(context.Background(), validSpec(pythonSource(t)))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if result.ImageID != "sha256:abc123" {
		t.Errorf("ImageID = %s", result.ImageID)
	}
	if len(result.Tags) != 1 || result.Tags[0] != "registry.local/k3s-upgrade-monitor:1.0.0" {
		t.Errorf("Tags = %v", result.Tags)
	}
	if result.BaseImage != "python:3.11-slim" || result.WorkDir != "/app" {
		t.Errorf("result = %+v", result)
	}

	opts := daemon.options
	if opts.Dockerfile != DockerfileName || !opts.Remove || !opts.ForceRemove || !opts.PullParent {
		t.Errorf("ImageBuildOptions = %+v", opts)
	}

	found := false
	for _, f := range daemon.files {
		if f == DockerfileName {
			found = true
		}
	}
	if !found {
		t.Errorf("build context %v lacks %s", daemon.files, DockerfileName)
	}
}

func TestBuilder_BuildStreamError(t *testing.T) {
	daemon := &fakeDaemon{stream: `{"stream":"Step 4/8 : RUN [\"pip\",\"install\"]\n"}
{"errorDetail":{"code":1,"message":"The command '/bin/sh -c pip install' returned a non-zero code: 1"},"error":"The command '/bin/sh -c pip install' returned a non-zero code: 1"}
`}
	b := &Builder{Daemon: daemon}

	result, err := b.Build(context.Background(), validSpec(pythonSource(t)))
	if err == nil {
		t.Fatal("Build() expected error")
	}
	if result != nil {
		t.Errorf("failed build reported a result: %+v", result)
	}
	var be *BuildError
	if !errors.As(err, &be) || be.Stage != StageBuild {
		t.Errorf("error = %v, want build stage", err)
	}
}

func TestBuilder_NoImageID(t *testing.T) {
	daemon := &fakeDaemon{stream: `{"stream":"Step 1/8 : FROM python:3.11-slim\n"}` + "\n"}
	b := &Builder{Daemon: daemon}

	if _, err := b.Build(context.Background(), validSpec(pythonSource(t))); err == nil {
		t.Error("Build() expected error when no image ID is reported")
	}
}

func TestBuilder_FailsBeforeDaemon(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) *Spec
		stage string
	}{
		{"invalid spec", func(t *testing.T) *Spec {
			s := validSpec(pythonSource(t))
			s.Base = "python"
			return s
		}, StageSpec},
		{"bad manifest", func(t *testing.T) *Spec {
			src := pythonSource(t)
			writeFile(t, filepath.Join(src, "requirements.txt"), "-r base.txt\n")
			return validSpec(src)
		}, StageManifest},
		{"missing source", func(t *testing.T) *Spec {
			return validSpec(filepath.Join(t.TempDir(), "nope"))
		}, StageSource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			daemon := &fakeDaemon{}
			b := &Builder{Daemon: daemon}

			_, err := b.Build(context.Background(), tt.setup(t))
			var be *BuildError
			if !errors.As(err, &be) || be.Stage != tt.stage {
				t.Errorf("Build() error = %v, want stage %s", err, tt.stage)
			}
			if daemon.called {
				t.Error("daemon contacted despite earlier failure")
			}
		})
	}
}

func TestBuilder_DaemonError(t *testing.T) {
	b := &Builder{Daemon: &fakeDaemon{err: errors.New("connection refused")}}

	_, err := b.Build(context.Background(), validSpec(pythonSource(t)))
	var be *BuildError
	if !errors.As(err, &be) || be.Stage != StageDaemon {
		t.Errorf("Build() error = %v, want daemon stage", err)
	}
}
