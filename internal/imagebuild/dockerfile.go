package imagebuild

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Names inside the build context
const (
	DockerfileName = "Dockerfile.upgrade-monitor"
	ProbeDir       = ".probe"
	ProbeName      = "upgrade-monitor"
)

// ProbePath is where the bundled probe binary lives inside the image
func ProbePath(workDir string) string {
	return path.Join(workDir, ProbeDir, ProbeName)
}

// HealthcheckCommand returns the exec-form HEALTHCHECK command, or nil when
// no health check is configured
func HealthcheckCommand(s *Spec) []string {
	hc := s.Healthcheck
	if len(hc.Command) > 0 {
		return hc.Command
	}
	if !hc.Probe {
		return nil
	}

	// --match=tok keeps tokens like "-u" from being read as flags
	cmd := []string{ProbePath(s.WorkDir), "healthcheck"}
	for _, tok := range hc.Signature {
		cmd = append(cmd, "--match="+tok)
	}
	return cmd
}

// RenderDockerfile produces the Dockerfile for spec. The manifest is copied
// and installed before the rest of the source, so an install failure fails
// the build.
func RenderDockerfile(s *Spec, m *Manifest) ([]byte, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "FROM %s\n", s.Base)
	fmt.Fprintf(&b, "WORKDIR %s\n", s.WorkDir)

	for _, f := range m.Files {
		rel := filepath.ToSlash(f)
		line, err := execForm([]string{rel, "./" + rel})
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "COPY %s\n", line)
	}

	install, err := execForm(s.Install)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&b, "RUN %s\n", install)

	b.WriteString("COPY . .\n")

	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "ENV %s=%s\n", k, strconv.Quote(s.Env[k]))
	}

	if hcCmd := HealthcheckCommand(s); hcCmd != nil {
		line, err := execForm(hcCmd)
		if err != nil {
			return nil, err
		}
		hc := s.Healthcheck
		fmt.Fprintf(&b, "HEALTHCHECK --interval=%s --timeout=%s --start-period=%s --retries=%d CMD %s\n",
			dockerDuration(hc.Interval), dockerDuration(hc.Timeout), dockerDuration(hc.StartPeriod), hc.Retries, line)
	}

	cmd, err := execForm(s.Entrypoint)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&b, "CMD %s\n", cmd)

	return []byte(b.String()), nil
}

// execForm renders args as a JSON array, the Dockerfile exec form
func execForm(args []string) (string, error) {
	if len(args) == 0 {
		return "", &BuildError{Stage: StageRender, Err: fmt.Errorf("empty exec-form command")}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", &BuildError{Stage: StageRender, Err: err}
	}
	return string(data), nil
}

// dockerDuration formats d the way Dockerfile flags accept it
func dockerDuration(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return d.String()
}
