package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/phase"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// Loader reads workflow and plan configuration from YAML files, validates
// each document against the CUE schemas and struct tags, and exposes the
// merged result as an immutable snapshot.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
	logger    *telemetry.Logger

	mu       sync.RWMutex
	snapshot *Snapshot
}

// NewLoader creates a configuration loader.
func NewLoader(logger *telemetry.Logger) *Loader {
	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
		logger:    logger.NewComponentLogger("config-loader"),
	}
}

// LoadPaths loads every YAML file among the given files and directories,
// validates them, and installs the merged snapshot. Directories are walked
// recursively for .yaml and .yml files.
func (l *Loader) LoadPaths(paths ...string) (*Snapshot, error) {
	if len(paths) == 0 {
		return nil, engine.NewValidationError("no configuration paths provided", nil)
	}

	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.IsDir() {
			found, err := yamlFiles(path)
			if err != nil {
				return nil, err
			}
			files = append(files, found...)
		} else {
			files = append(files, path)
		}
	}
	sort.Strings(files)

	snapshot := &Snapshot{
		Workflows: make(map[string]*engine.WorkflowDefinition),
		Units:     make(map[string]map[string]interface{}),
	}
	for _, file := range files {
		doc, err := l.LoadFile(file)
		if err != nil {
			return nil, err
		}
		if err := l.merge(snapshot, doc, file); err != nil {
			return nil, err
		}
	}

	if err := checkPlanWorkflows(snapshot); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()

	l.logger.WithField("files", len(files)).
		WithField("workflows", len(snapshot.Workflows)).
		Info("configuration loaded")
	return snapshot, nil
}

// LoadFile reads and validates a single configuration file without
// installing it into the loader's snapshot.
func (l *Loader) LoadFile(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return l.Parse(content, path)
}

// Parse validates raw YAML content against the schemas and decodes it.
func (l *Loader) Parse(content []byte, source string) (*Document, error) {
	// Generic decode first so the CUE schemas see the raw document shape.
	var raw map[string]interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, engine.NewValidationError(
			fmt.Sprintf("%s: invalid YAML", source), err)
	}

	if workflows, ok := raw["workflows"].([]interface{}); ok {
		for i, wf := range workflows {
			if err := l.schemas.Validate("workflow", wf); err != nil {
				return nil, engine.NewValidationError(
					fmt.Sprintf("%s: workflows[%d]", source, i), err)
			}
		}
	}
	if plan, ok := raw["plan"]; ok && plan != nil {
		if err := l.schemas.Validate("plan", plan); err != nil {
			return nil, engine.NewValidationError(
				fmt.Sprintf("%s: plan", source), err)
		}
	}

	doc := &Document{}
	if err := yaml.Unmarshal(content, doc); err != nil {
		return nil, engine.NewValidationError(
			fmt.Sprintf("%s: failed to decode document", source), err)
	}

	for i := range doc.Workflows {
		if err := l.validator.Struct(&doc.Workflows[i]); err != nil {
			return nil, engine.NewValidationError(
				fmt.Sprintf("%s: workflow %q validation failed", source, doc.Workflows[i].Name), err)
		}
	}
	if doc.Plan != nil {
		if err := l.validator.Struct(doc.Plan); err != nil {
			return nil, engine.NewValidationError(
				fmt.Sprintf("%s: plan %q validation failed", source, doc.Plan.Name), err)
		}
	}

	return doc, nil
}

// merge folds one document into the snapshot under construction.
func (l *Loader) merge(snapshot *Snapshot, doc *Document, source string) error {
	for i := range doc.Workflows {
		wf := &doc.Workflows[i]
		if _, exists := snapshot.Workflows[wf.Name]; exists {
			return engine.NewDuplicateNameError(wf.Name)
		}
		snapshot.Workflows[wf.Name] = wf.ToEngine()
	}
	if doc.Plan != nil {
		if snapshot.Plan != nil {
			return engine.NewValidationError(
				fmt.Sprintf("%s: plan %q conflicts with already loaded plan %q",
					source, doc.Plan.Name, snapshot.Plan.Name), nil)
		}
		plan := doc.Plan.ToPlan()
		if err := plan.Validate(); err != nil {
			return err
		}
		snapshot.Plan = plan
	}
	for unit, config := range doc.Units {
		if _, exists := snapshot.Units[unit]; exists {
			return engine.NewValidationError(
				fmt.Sprintf("%s: unit config for %q is already defined", source, unit), nil)
		}
		snapshot.Units[unit] = config
	}
	return nil
}

// checkPlanWorkflows verifies every phase names a loaded workflow.
func checkPlanWorkflows(snapshot *Snapshot) error {
	if snapshot.Plan == nil {
		return nil
	}
	var missing []string
	for _, spec := range snapshot.Plan.Phases {
		if _, ok := snapshot.Workflows[spec.Workflow]; !ok {
			missing = append(missing, spec.Workflow)
		}
	}
	if len(missing) > 0 {
		return engine.NewValidationError(
			fmt.Sprintf("plan %q references undefined workflows: %s",
				snapshot.Plan.Name, strings.Join(missing, ", ")), nil)
	}
	return nil
}

// Snapshot returns the last successfully loaded snapshot, or nil before the
// first load.
func (l *Loader) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Workflow looks a workflow definition up in the current snapshot.
func (l *Loader) Workflow(name string) (*engine.WorkflowDefinition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot != nil {
		if wf, ok := l.snapshot.Workflows[name]; ok {
			return wf, nil
		}
	}
	return nil, engine.NewNotFoundError(fmt.Sprintf("workflow not found: %s", name))
}

// Plan returns the loaded phase plan, or the default plan when none was
// configured.
func (l *Loader) Plan() *phase.Plan {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot != nil && l.snapshot.Plan != nil {
		return l.snapshot.Plan
	}
	return phase.DefaultPlan()
}

// UnitConfigs returns the per-unit Initialize configs from the current
// snapshot, empty before the first load.
func (l *Loader) UnitConfigs() map[string]map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot == nil {
		return nil
	}
	return l.snapshot.Units
}

func yamlFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return files, nil
}
