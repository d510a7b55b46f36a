package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"cronpipe/internal/cron"
)

// definition is the on-disk schema of pipeline.json.
type definition struct {
	ID         string          `json:"id"`
	Expression string          `json:"expression"`
	Stages     []string        `json:"stages"`
	Jobs       []jobDefinition `json:"jobs"`
}

type jobDefinition struct {
	ID     string `json:"id"`
	Stage  string `json:"stage"`
	Script string `json:"script"`
}

// Ids become file names in the state store.
var reID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// LoadDir reads and decodes <dir>/pipeline.json.
func LoadDir(dir string) (*Pipeline, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, defErr(KindRead, dir, "", err)
	}
	path := filepath.Join(abs, DefinitionFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, defErr(KindRead, path, "", err)
	}
	return Decode(abs, b)
}

// Decode validates raw definition bytes belonging to pipeline directory dir.
func Decode(dir string, data []byte) (*Pipeline, error) {
	path := filepath.Join(dir, DefinitionFile)

	var def definition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, defErr(KindDecode, path, "", err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = errors.New("trailing data")
		}
		return nil, defErr(KindDecode, path, "", err)
	}

	if err := validate(&def); err != nil {
		return nil, defErr(KindValidate, path, def.ID, err)
	}

	sched, err := cron.Parse(def.Expression)
	if err != nil {
		return nil, defErr(KindExpression, path, def.ID, err)
	}

	p := &Pipeline{
		ID:         def.ID,
		Expression: sched.String(),
		Stages:     append([]string(nil), def.Stages...),
		Jobs:       make([]Job, 0, len(def.Jobs)),
		Dir:        dir,
		Schedule:   sched,
		Hash:       hashBytes(data),
	}
	for _, j := range def.Jobs {
		p.Jobs = append(p.Jobs, Job{
			ID:     j.ID,
			Stage:  j.Stage,
			Script: j.Script,
			Path:   filepath.Join(dir, filepath.FromSlash(j.Script)),
		})
	}
	return p, nil
}

func validate(def *definition) error {
	if !reID.MatchString(def.ID) {
		return fmt.Errorf("id %q must match %s", def.ID, reID.String())
	}
	if strings.TrimSpace(def.Expression) == "" {
		return errors.New("expression required")
	}
	// An empty list is a valid no-op pipeline; a missing one is a typo.
	if def.Stages == nil {
		return errors.New("stages required")
	}

	stages := make(map[string]struct{}, len(def.Stages))
	for _, s := range def.Stages {
		if strings.TrimSpace(s) == "" {
			return errors.New("stage id must not be empty")
		}
		if _, dup := stages[s]; dup {
			return fmt.Errorf("duplicate stage %q", s)
		}
		stages[s] = struct{}{}
	}

	jobs := make(map[string]struct{}, len(def.Jobs))
	for i, j := range def.Jobs {
		if strings.TrimSpace(j.ID) == "" {
			return fmt.Errorf("jobs[%d]: id required", i)
		}
		if _, dup := jobs[j.ID]; dup {
			return fmt.Errorf("duplicate job %q", j.ID)
		}
		jobs[j.ID] = struct{}{}
		if _, ok := stages[j.Stage]; !ok {
			return fmt.Errorf("job %q references undeclared stage %q", j.ID, j.Stage)
		}
		if strings.TrimSpace(j.Script) == "" {
			return fmt.Errorf("job %q: script required", j.ID)
		}
		if filepath.IsAbs(j.Script) || strings.HasPrefix(j.Script, "/") {
			return fmt.Errorf("job %q: script must be relative to the pipeline directory", j.ID)
		}
	}
	return nil
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
