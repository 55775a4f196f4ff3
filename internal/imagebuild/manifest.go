package imagebuild

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/mod/modfile"
)

// Requirement is one dependency named by a manifest
type Requirement struct {
	Name    string
	Version string
	Line    int
}

// Manifest is a parsed dependency manifest. Files lists every path that is
// copied into the image before the install step.
type Manifest struct {
	Path         string
	Kind         string
	Module       string
	Files        []string
	Requirements []Requirement
}

// ParseManifest reads and validates the manifest under root
func ParseManifest(root string, ms ManifestSpec) (*Manifest, error) {
	full := filepath.Join(root, ms.Path)
	f, err := os.Open(full)
	if err != nil {
		return nil, &BuildError{Stage: StageManifest, Err: err}
	}
	defer f.Close()

	m := &Manifest{Path: ms.Path, Kind: ms.Kind, Files: []string{ms.Path}}

	switch ms.Kind {
	case KindPip:
		reqs, err := parsePip(f)
		if err != nil {
			return nil, &BuildError{Stage: StageManifest, Err: fmt.Errorf("%s: %w", ms.Path, err)}
		}
		m.Requirements = reqs

	case KindGo:
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, &BuildError{Stage: StageManifest, Err: err}
		}
		if err := parseGoMod(m, full, data); err != nil {
			return nil, &BuildError{Stage: StageManifest, Err: err}
		}
		sum := filepath.Join(filepath.Dir(ms.Path), "go.sum")
		if _, err := os.Stat(filepath.Join(root, sum)); err == nil {
			m.Files = append(m.Files, sum)
		}

	default:
		return nil, &BuildError{Stage: StageManifest, Err: fmt.Errorf("unknown manifest kind %q", ms.Kind)}
	}

	return m, nil
}

var pipName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*`)

// parsePip reads requirements.txt lines. Nested -r/-c includes are rejected
// because only the manifest itself is copied before install.
func parsePip(r io.Reader) ([]Requirement, error) {
	var reqs []Requirement

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "-") {
			opt := strings.Fields(line)[0]
			switch {
			case strings.HasPrefix(opt, "-r"), strings.HasPrefix(opt, "-c"),
				strings.HasPrefix(opt, "--requirement"), strings.HasPrefix(opt, "--constraint"):
				return nil, fmt.Errorf("line %d: nested requirement files are not supported", lineNo)
			}
			// Index and editable options pass through to pip
			continue
		}

		nameMatch := pipName.FindString(line)
		if nameMatch == "" {
			return nil, fmt.Errorf("line %d: invalid requirement %q", lineNo, line)
		}
		rest := strings.TrimSpace(line[len(nameMatch):])
		if rest != "" && !strings.ContainsAny(rest[:1], "<>=!~;[@ ") {
			return nil, fmt.Errorf("line %d: invalid requirement %q", lineNo, line)
		}

		reqs = append(reqs, Requirement{
			Name:    nameMatch,
			Version: rest,
			Line:    lineNo,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}

// stripComment removes a trailing "# ..." comment. pip only treats '#' as a
// comment at line start or after whitespace.
func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] == '#' && (i == 0 || line[i-1] == ' ' || line[i-1] == '\t') {
			line = line[:i]
			break
		}
	}
	return strings.TrimSpace(line)
}

func parseGoMod(m *Manifest, path string, data []byte) error {
	mf, err := modfile.ParseLax(path, data, nil)
	if err != nil {
		return err
	}
	if mf.Module == nil || mf.Module.Mod.Path == "" {
		return fmt.Errorf("%s: missing module directive", m.Path)
	}
	m.Module = mf.Module.Mod.Path

	for _, req := range mf.Require {
		m.Requirements = append(m.Requirements, Requirement{
			Name:    req.Mod.Path,
			Version: req.Mod.Version,
			Line:    req.Syntax.Start.Line,
		})
	}
	return nil
}
