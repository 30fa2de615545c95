package target

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// Target is the scope a tool operates on: a (subject, study) pair, a
// subject alone, or the whole project when both fields are empty. It is
// supplied by the caller and resolved to a filesystem path by a Resolver.
type Target struct {
	Subject string `json:"subject"`
	Study   string `json:"study"`
}

// Project is the empty, project-level target.
var Project = Target{}

func (t Target) IsProject() bool { return t.Subject == "" && t.Study == "" }

// Scope returns "project", "subject", or "study".
func (t Target) Scope() string {
	switch {
	case t.Subject == "":
		return "project"
	case t.Study == "":
		return "subject"
	default:
		return "study"
	}
}

func (t Target) String() string {
	switch t.Scope() {
	case "project":
		return "project"
	case "subject":
		return t.Subject
	default:
		return t.Subject + "/" + t.Study
	}
}

var (
	subjectNameRe = regexp.MustCompile(`^[A-Z]{3}-\d{4}$`)
	studyNameRe   = regexp.MustCompile(`^MR-\d{8}$`)
)

// Resolver maps targets to directories under a single data root.
// Subjects are folders named XXX-0000, studies MR-YYYYMMDD.
type Resolver struct {
	DataDir string
}

// Path resolves the target to an existing directory. A missing directory is
// an error: tools must never run against a target that does not exist.
func (r Resolver) Path(t Target) (string, error) {
	if t.Study != "" && t.Subject == "" {
		return "", fmt.Errorf("target has study %q without subject", t.Study)
	}
	p := r.DataDir
	if t.Subject != "" {
		p = filepath.Join(p, t.Subject)
	}
	if t.Study != "" {
		p = filepath.Join(p, t.Study)
	}
	fi, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("resolve target %s: %w", t, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("resolve target %s: %s is not a directory", t, p)
	}
	return p, nil
}

// Subjects lists subject directories under the data root, sorted.
func (r Resolver) Subjects() ([]string, error) {
	entries, err := os.ReadDir(r.DataDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && subjectNameRe.MatchString(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Studies lists study directories for a subject, sorted.
func (r Resolver) Studies(subject string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.DataDir, subject))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && studyNameRe.MatchString(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
