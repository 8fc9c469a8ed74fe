package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sellerdesk/sellerdesk/internal/common/apperr"
	"github.com/sellerdesk/sellerdesk/internal/registry"
)

const defaultStageTimeout = 60 * time.Second

// DefaultTemplates returns the built-in pipeline templates.
func DefaultTemplates() []*Pipeline {
	return []*Pipeline{
		{
			ID:          "pricing_update",
			Description: "Executive approval followed by market repricing",
			Stages: []*Stage{
				{ID: "approve_pricing", Category: registry.CategoryExecutive, Command: "approve_pricing", Required: true, Timeout: defaultStageTimeout, RetryCount: 1},
				{ID: "apply_pricing", Category: registry.CategoryMarket, Command: "update_pricing", Required: true, Timeout: defaultStageTimeout, RetryCount: 2},
			},
		},
		{
			ID:          "inventory_sync",
			Description: "Reconcile inventory across marketplace and warehouse",
			Stages: []*Stage{
				{ID: "plan_sync", Category: registry.CategoryExecutive, Command: "plan_inventory_sync", Required: true, Timeout: defaultStageTimeout, RetryCount: 1},
				{ID: "fetch_levels", Category: registry.CategoryMarket, Command: "fetch_inventory", Required: true, Timeout: defaultStageTimeout, RetryCount: 2},
				{ID: "reconcile", Category: registry.CategoryLogistics, Command: "reconcile_inventory", Required: true, Timeout: defaultStageTimeout, RetryCount: 2},
			},
		},
		{
			ID:          "content_generation",
			Description: "Generate and publish listing content",
			Stages: []*Stage{
				{ID: "brief", Category: registry.CategoryExecutive, Command: "content_brief", Required: true, Timeout: defaultStageTimeout, RetryCount: 1},
				{ID: "generate", Category: registry.CategoryContent, Command: "generate_content", Required: true, Timeout: defaultStageTimeout, RetryCount: 2},
				{ID: "publish", Category: registry.CategoryMarket, Command: "publish_listing", Required: false, Timeout: defaultStageTimeout, RetryCount: 1},
			},
		},
		{
			ID:                "full_marketplace_cycle",
			Description:       "End-to-end listing refresh across all agent categories",
			MaxParallelStages: 2,
			Stages: []*Stage{
				{ID: "strategy", Category: registry.CategoryExecutive, Command: "cycle_strategy", Required: true, Timeout: defaultStageTimeout, RetryCount: 1},
				{ID: "refresh_content", Category: registry.CategoryContent, Command: "generate_content", Required: true, Timeout: defaultStageTimeout, RetryCount: 2},
				{ID: "refresh_market", Category: registry.CategoryMarket, Command: "refresh_listings", Required: true, Timeout: defaultStageTimeout, RetryCount: 2},
				{ID: "refresh_logistics", Category: registry.CategoryLogistics, Command: "refresh_fulfillment", Required: true, Timeout: defaultStageTimeout, RetryCount: 1},
			},
		},
	}
}

// templateFile is the YAML shape for user-supplied pipeline templates.
type templateFile struct {
	ID                string              `yaml:"id"`
	Description       string              `yaml:"description"`
	MaxParallelStages int                 `yaml:"max_parallel_stages"`
	Stages            []templateFileStage `yaml:"stages"`
}

type templateFileStage struct {
	ID             string         `yaml:"id"`
	Category       string         `yaml:"category"`
	Command        string         `yaml:"command"`
	Required       bool           `yaml:"required"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	RetryCount     int            `yaml:"retry_count"`
	FallbackStage  string         `yaml:"fallback_stage"`
	Params         map[string]any `yaml:"params"`
}

func (t *templateFile) toPipeline() *Pipeline {
	p := &Pipeline{
		ID:                t.ID,
		Description:       t.Description,
		MaxParallelStages: t.MaxParallelStages,
	}
	for _, s := range t.Stages {
		timeout := defaultStageTimeout
		if s.TimeoutSeconds > 0 {
			timeout = time.Duration(s.TimeoutSeconds) * time.Second
		}
		p.Stages = append(p.Stages, &Stage{
			ID:            s.ID,
			Category:      registry.Category(s.Category),
			Command:       s.Command,
			Required:      s.Required,
			Timeout:       timeout,
			RetryCount:    s.RetryCount,
			FallbackStage: s.FallbackStage,
			Params:        s.Params,
		})
	}
	return p
}

// LoadTemplateFile parses one YAML template definition.
func LoadTemplateFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "read pipeline template", err)
	}
	var tmpl templateFile
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse pipeline template", err)
	}
	p := tmpl.toPipeline()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadTemplatesFromDir registers every *.yaml/*.yml template in dir.
func (c *Controller) LoadTemplatesFromDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindValidation, "read template dir", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		tmpl, err := LoadTemplateFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, err
		}
		if err := c.RegisterTemplate(tmpl.ID, tmpl); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}
