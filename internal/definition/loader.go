// Package definition loads and validates pipeline definitions. A pipeline
// that fails validation is rejected here and never reaches the engine.
package definition

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caravel-labs/caravel-go/internal/domain"
	"github.com/caravel-labs/caravel-go/internal/graph"
)

type pipelineYAML struct {
	Name   string      `yaml:"name"`
	Stages []stageYAML `yaml:"stages"`
}

type stageYAML struct {
	ID      string     `yaml:"id"`
	Kind    string     `yaml:"kind"`
	Needs   []string   `yaml:"needs"`
	Secrets []string   `yaml:"secrets"`
	Params  paramsYAML `yaml:"params"`
	Retry   *retryYAML `yaml:"retry"`
}

type paramsYAML struct {
	ContextDir   string   `yaml:"context_dir"`
	Dockerfile   string   `yaml:"dockerfile"`
	Repository   string   `yaml:"repository"`
	TagTemplate  string   `yaml:"tag_template"`
	Host         string   `yaml:"host"`
	Container    string   `yaml:"container"`
	LocalDir     string   `yaml:"local_dir"`
	Bucket       string   `yaml:"bucket"`
	Prefix       string   `yaml:"prefix"`
	DeleteStale  *bool    `yaml:"delete_stale"`
	Distribution string   `yaml:"distribution"`
	Paths        []string `yaml:"paths"`
}

type retryYAML struct {
	MaxAttempts int         `yaml:"max_attempts"`
	Backoff     backoffYAML `yaml:"backoff"`
}

type backoffYAML struct {
	Base   time.Duration `yaml:"base"`
	Factor float64       `yaml:"factor"`
	Cap    time.Duration `yaml:"cap"`
}

// Load parses and validates a single pipeline definition document.
func Load(data []byte) (domain.PipelineDefinition, error) {
	var doc pipelineYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("parse pipeline definition: %w", err)
	}

	def := domain.PipelineDefinition{Name: strings.TrimSpace(doc.Name)}
	for _, stage := range doc.Stages {
		def.Stages = append(def.Stages, mapStage(stage))
	}

	if err := Validate(def); err != nil {
		return domain.PipelineDefinition{}, err
	}
	return def, nil
}

// LoadDir loads every *.yaml / *.yml file under dir into a registry keyed
// by pipeline name.
func LoadDir(dir string) (map[string]domain.PipelineDefinition, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan pipelines dir: %w", err)
	}
	sort.Strings(entries)

	defs := make(map[string]domain.PipelineDefinition, len(entries))
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		def, err := Load(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, exists := defs[def.Name]; exists {
			return nil, fmt.Errorf("%s: duplicate pipeline name %q", path, def.Name)
		}
		defs[def.Name] = def
	}
	return defs, nil
}

// Validate performs strict validation: structural shape, duplicate ids,
// unknown needs, cycles, and kind-specific parameter presence.
func Validate(def domain.PipelineDefinition) error {
	issues := &ValidationError{Pipeline: def.Name}

	if err := def.ValidateBasicShape(); err != nil {
		issues.Add(err.Error())
	}

	stageIDs := make(map[string]struct{}, len(def.Stages))
	for i, stage := range def.Stages {
		id := strings.TrimSpace(stage.ID)
		if id == "" {
			issues.Add(fmt.Sprintf("stage[%d] id is required", i))
			continue
		}
		if _, exists := stageIDs[id]; exists {
			issues.Add(fmt.Sprintf("duplicate stage id %q", id))
		}
		stageIDs[id] = struct{}{}
		validateParams(issues, stage)
		for _, secret := range stage.Secrets {
			if strings.TrimSpace(secret) == "" {
				issues.Add(fmt.Sprintf("stage[%s] has an empty secret name", id))
			}
		}
	}

	for _, stage := range def.Stages {
		for _, need := range stage.Needs {
			if _, known := stageIDs[need]; !known {
				issues.Add(fmt.Sprintf("stage[%s] needs unknown stage %q", stage.ID, need))
			}
		}
	}

	if len(issues.Issues) == 0 {
		stages := make(map[string][]string, len(def.Stages))
		for _, stage := range def.Stages {
			stages[stage.ID] = stage.Needs
		}
		if _, err := graph.FromStages(stages); err != nil {
			issues.Add(err.Error())
		}
	}

	return issues.OrNil()
}

func validateParams(issues *ValidationError, stage domain.StageDefinition) {
	id := stage.ID
	switch stage.Kind {
	case domain.StageKindBuildAndPush:
		if stage.Params.Build == nil {
			issues.Add(fmt.Sprintf("stage[%s] build params are required", id))
			return
		}
		if strings.TrimSpace(stage.Params.Build.ContextDir) == "" {
			issues.Add(fmt.Sprintf("stage[%s] params.context_dir is required", id))
		}
		if strings.TrimSpace(stage.Params.Build.Repository) == "" {
			issues.Add(fmt.Sprintf("stage[%s] params.repository is required", id))
		}
	case domain.StageKindRemoteDeploy:
		if stage.Params.Deploy == nil {
			issues.Add(fmt.Sprintf("stage[%s] deploy params are required", id))
			return
		}
		if strings.TrimSpace(stage.Params.Deploy.Host) == "" {
			issues.Add(fmt.Sprintf("stage[%s] params.host is required", id))
		}
		if strings.TrimSpace(stage.Params.Deploy.Repository) == "" {
			issues.Add(fmt.Sprintf("stage[%s] params.repository is required", id))
		}
		if strings.TrimSpace(stage.Params.Deploy.Container) == "" {
			issues.Add(fmt.Sprintf("stage[%s] params.container is required", id))
		}
	case domain.StageKindArtifactSync:
		if stage.Params.Sync == nil {
			issues.Add(fmt.Sprintf("stage[%s] sync params are required", id))
			return
		}
		if strings.TrimSpace(stage.Params.Sync.LocalDir) == "" {
			issues.Add(fmt.Sprintf("stage[%s] params.local_dir is required", id))
		}
		if strings.TrimSpace(stage.Params.Sync.Bucket) == "" {
			issues.Add(fmt.Sprintf("stage[%s] params.bucket is required", id))
		}
	case domain.StageKindCacheInvalidate:
		if stage.Params.Invalidate == nil {
			issues.Add(fmt.Sprintf("stage[%s] invalidate params are required", id))
			return
		}
		if strings.TrimSpace(stage.Params.Invalidate.Distribution) == "" {
			issues.Add(fmt.Sprintf("stage[%s] params.distribution is required", id))
		}
		if len(stage.Params.Invalidate.Paths) == 0 {
			issues.Add(fmt.Sprintf("stage[%s] params.paths must not be empty", id))
		}
	}
}

func mapStage(s stageYAML) domain.StageDefinition {
	def := domain.StageDefinition{
		ID:      strings.TrimSpace(s.ID),
		Kind:    domain.StageKind(strings.TrimSpace(s.Kind)),
		Needs:   s.Needs,
		Secrets: s.Secrets,
		Retry:   domain.DefaultRetryPolicy(),
	}

	if s.Retry != nil {
		def.Retry = domain.RetryPolicy{
			MaxAttempts: s.Retry.MaxAttempts,
			Backoff: domain.Backoff{
				Base:   s.Retry.Backoff.Base,
				Factor: s.Retry.Backoff.Factor,
				Cap:    s.Retry.Backoff.Cap,
			},
		}
		if def.Retry.MaxAttempts <= 0 {
			def.Retry.MaxAttempts = 3
		}
		if def.Retry.Backoff.Base <= 0 {
			def.Retry.Backoff.Base = time.Second
		}
		if def.Retry.Backoff.Factor <= 0 {
			def.Retry.Backoff.Factor = 2
		}
		if def.Retry.Backoff.Cap <= 0 {
			def.Retry.Backoff.Cap = 30 * time.Second
		}
	}

	switch def.Kind {
	case domain.StageKindBuildAndPush:
		dockerfile := strings.TrimSpace(s.Params.Dockerfile)
		if dockerfile == "" {
			dockerfile = "Dockerfile"
		}
		tagTemplate := strings.TrimSpace(s.Params.TagTemplate)
		if tagTemplate == "" {
			tagTemplate = "{commit}"
		}
		def.Params.Build = &domain.BuildParams{
			ContextDir:  strings.TrimSpace(s.Params.ContextDir),
			Dockerfile:  dockerfile,
			Repository:  strings.TrimSpace(s.Params.Repository),
			TagTemplate: tagTemplate,
		}
	case domain.StageKindRemoteDeploy:
		tagTemplate := strings.TrimSpace(s.Params.TagTemplate)
		if tagTemplate == "" {
			tagTemplate = "{commit}"
		}
		def.Params.Deploy = &domain.DeployParams{
			Host:        strings.TrimSpace(s.Params.Host),
			Repository:  strings.TrimSpace(s.Params.Repository),
			TagTemplate: tagTemplate,
			Container:   strings.TrimSpace(s.Params.Container),
		}
	case domain.StageKindArtifactSync:
		deleteStale := true
		if s.Params.DeleteStale != nil {
			deleteStale = *s.Params.DeleteStale
		}
		def.Params.Sync = &domain.SyncParams{
			LocalDir:    strings.TrimSpace(s.Params.LocalDir),
			Bucket:      strings.TrimSpace(s.Params.Bucket),
			Prefix:      strings.Trim(strings.TrimSpace(s.Params.Prefix), "/"),
			DeleteStale: deleteStale,
		}
	case domain.StageKindCacheInvalidate:
		def.Params.Invalidate = &domain.InvalidateParams{
			Distribution: strings.TrimSpace(s.Params.Distribution),
			Paths:        s.Params.Paths,
		}
	}
	return def
}
