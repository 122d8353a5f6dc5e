// Package template loads pipeline template definitions from YAML, validates
// their task graphs and imports them into the template store.
package template

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/migration-factory/internal/store"
)

// ErrInvalidTemplate wraps every validation failure.
var ErrInvalidTemplate = errors.New("invalid template")

// Parse decodes one or more YAML documents into validated templates with
// their digests set.
func Parse(data []byte) ([]store.Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []store.Template
	for {
		var t store.Template
		err := dec.Decode(&t)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidTemplate, err)
		}
		normalize(&t)
		if err := Validate(t); err != nil {
			return nil, err
		}
		digest, err := Digest(t)
		if err != nil {
			return nil, err
		}
		t.Digest = digest
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no template documents", ErrInvalidTemplate)
	}
	return out, nil
}

// LoadPath reads a template file, or every *.yaml / *.yml file in a directory
// in lexical order.
func LoadPath(path string) ([]store.Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat templates path: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read templates dir: %w", err)
		}
		files = files[:0]
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			files = append(files, filepath.Join(path, e.Name()))
		}
		sort.Strings(files)
	}

	seen := make(map[string]string)
	var out []store.Template
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", f, err)
		}
		ts, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		for _, t := range ts {
			if prev, ok := seen[t.TemplateID]; ok {
				return nil, fmt.Errorf("%w: template %q defined in %s and %s", ErrInvalidTemplate, t.TemplateID, prev, f)
			}
			seen[t.TemplateID] = f
			out = append(out, t)
		}
	}
	return out, nil
}

func normalize(t *store.Template) {
	t.TemplateID = strings.TrimSpace(t.TemplateID)
	if t.Name == "" {
		t.Name = t.TemplateID
	}
	for i := range t.Tasks {
		task := &t.Tasks[i]
		task.TemplateTaskID = strings.TrimSpace(task.TemplateTaskID)
		task.TemplateID = t.TemplateID
		if task.TaskName == "" {
			task.TaskName = task.TemplateTaskID
		}
		if task.SuccessorIDs == nil {
			task.SuccessorIDs = []string{}
		}
	}
}

// Validate checks ids, successor references and that the task graph is
// acyclic.
func Validate(t store.Template) error {
	var errs []error
	if t.TemplateID == "" {
		errs = append(errs, errors.New("template_id is required"))
	}
	if len(t.Tasks) == 0 {
		errs = append(errs, errors.New("at least one task is required"))
	}

	ids := make(map[string]bool, len(t.Tasks))
	for _, task := range t.Tasks {
		switch {
		case task.TemplateTaskID == "":
			errs = append(errs, errors.New("task with empty template_task_id"))
		case ids[task.TemplateTaskID]:
			errs = append(errs, fmt.Errorf("duplicate template_task_id %q", task.TemplateTaskID))
		}
		ids[task.TemplateTaskID] = true
		if task.TaskReference == "" {
			errs = append(errs, fmt.Errorf("task %q: task_reference is required", task.TemplateTaskID))
		}
	}
	for _, task := range t.Tasks {
		for _, s := range task.SuccessorIDs {
			if s == task.TemplateTaskID {
				errs = append(errs, fmt.Errorf("task %q lists itself as a successor", s))
			} else if !ids[s] {
				errs = append(errs, fmt.Errorf("task %q: unknown successor %q", task.TemplateTaskID, s))
			}
		}
	}
	if len(errs) == 0 {
		if cycle := cyclicTasks(t.Tasks); len(cycle) > 0 {
			errs = append(errs, fmt.Errorf("tasks form a cycle: %s", strings.Join(cycle, ", ")))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalidTemplate, t.TemplateID, errors.Join(errs...))
	}
	return nil
}

// cyclicTasks runs Kahn's algorithm and returns the tasks left with incoming
// edges, sorted. An empty result means the graph is a DAG.
func cyclicTasks(tasks []store.TemplateTask) []string {
	indegree := make(map[string]int, len(tasks))
	for _, task := range tasks {
		if _, ok := indegree[task.TemplateTaskID]; !ok {
			indegree[task.TemplateTaskID] = 0
		}
		for _, s := range task.SuccessorIDs {
			indegree[s]++
		}
	}
	successors := make(map[string][]string, len(tasks))
	for _, task := range tasks {
		successors[task.TemplateTaskID] = task.SuccessorIDs
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		delete(indegree, id)
		for _, s := range successors[id] {
			indegree[s]--
			if indegree[s] == 0 {
				ready = append(ready, s)
			}
		}
	}

	left := make([]string, 0, len(indegree))
	for id := range indegree {
		left = append(left, id)
	}
	sort.Strings(left)
	return left
}

// Digest is the BLAKE3 hash of the template's canonical JSON form, so
// formatting changes in the YAML do not count as a new version.
func Digest(t store.Template) (string, error) {
	t.Digest = ""
	t.ImportedAt = time.Time{}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode template for digest: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
