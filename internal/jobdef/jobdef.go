// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jobdef loads job definitions: an ordered list of steps, each an
// opaque child-process command with optional declared artifacts.
package jobdef

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/tombee/stepwise/internal/fsutil"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

//go:embed job.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// Step is one child-process invocation.
type Step struct {
	Name      string            `yaml:"name" json:"name"`
	Command   []string          `yaml:"command" json:"command"`
	Artifacts []string          `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Job is a named, ordered pipeline of steps.
type Job struct {
	// ID is the job identifier, taken from the definition file name.
	ID string `yaml:"-" json:"id"`

	Name        string            `yaml:"name,omitempty" json:"name,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Workdir     string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Steps       []Step            `yaml:"steps" json:"steps"`

	// Path is the file the job was loaded from.
	Path string `yaml:"-" json:"-"`
}

// ResolveWorkdir returns the job's working directory: root when unset,
// joined to root when relative.
func (j *Job) ResolveWorkdir(root string) string {
	switch {
	case j.Workdir == "":
		return root
	case filepath.IsAbs(j.Workdir):
		return j.Workdir
	default:
		return filepath.Join(root, j.Workdir)
	}
}

// Descriptor is the opaque pipeline descriptor recorded on runs.
func (j *Job) Descriptor() map[string]any {
	names := make([]string, len(j.Steps))
	for i, s := range j.Steps {
		names[i] = s.Name
	}
	desc := map[string]any{
		"name":  j.Name,
		"steps": names,
	}
	if j.Path != "" {
		desc["definition"] = j.Path
	}
	if digest, err := j.Digest(); err == nil {
		desc["digest"] = digest
	}
	return desc
}

// Digest returns the SHA-256 of the RFC 8785 canonical JSON form of the job.
// Formatting-only edits to the YAML do not change it.
func (j *Job) Digest() (string, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize job: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Find locates the definition for jobID in dir (<job_id>.yaml or .yml).
func Find(dir, jobID string) (string, error) {
	if err := fsutil.ValidateName("job id", jobID); err != nil {
		return "", &stepwiseerrors.ValidationError{Field: "job_id", Message: err.Error()}
	}
	for _, ext := range []string{".yaml", ".yml"} {
		p := filepath.Join(dir, jobID+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &stepwiseerrors.NotFoundError{Resource: "job definition", ID: jobID}
}

// List returns the ids of every definition in dir, sorted. A missing
// directory has no jobs.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ext)
		if seen[id] || fsutil.ValidateName("job id", id) != nil {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadByID finds and loads jobID's definition from dir.
func LoadByID(dir, jobID string) (*Job, error) {
	path, err := Find(dir, jobID)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Load reads and validates a job definition file. The job id is the file's
// base name without extension.
func Load(path string) (*Job, error) {
	// #nosec G304 -- definition path comes from the jobs directory or the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &stepwiseerrors.NotFoundError{Resource: "job definition", ID: path}
		}
		return nil, fmt.Errorf("read job definition: %w", err)
	}

	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	job, err := Parse(id, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	job.Path = path
	return job, nil
}

// Parse validates YAML data against the job schema and decodes it.
func Parse(id string, data []byte) (*Job, error) {
	if err := fsutil.ValidateName("job id", id); err != nil {
		return nil, &stepwiseerrors.ValidationError{Field: "job_id", Message: err.Error()}
	}

	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, &stepwiseerrors.ValidationError{Field: "yaml", Message: err.Error()}
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, &stepwiseerrors.ValidationError{Field: "yaml", Message: fmt.Sprintf("not representable as JSON: %v", err)}
	}
	if err := validate(asJSON); err != nil {
		return nil, err
	}

	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, &stepwiseerrors.ValidationError{Field: "yaml", Message: err.Error()}
	}
	job.ID = id
	if job.Name == "" {
		job.Name = id
	}

	seen := make(map[string]int, len(job.Steps))
	for i, s := range job.Steps {
		if prev, ok := seen[s.Name]; ok {
			return nil, &stepwiseerrors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: fmt.Sprintf("duplicate step name %q (also step %d)", s.Name, prev),
			}
		}
		seen[s.Name] = i
	}
	return &job, nil
}

func validate(data []byte) error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		schema, schemaErr = compiler.Compile(schemaJSON)
	})
	if schemaErr != nil {
		return fmt.Errorf("compile job schema: %w", schemaErr)
	}

	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return &stepwiseerrors.ValidationError{
		Field:      "job",
		Message:    fmt.Sprintf("schema validation failed: %v", result.Errors),
		Suggestion: "Each step needs a name and a non-empty command list.",
	}
}
