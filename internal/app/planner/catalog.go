package planner

import (
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hwfleet/fleetmaster/internal/model"
)

//go:embed default_catalog.yaml
var defaultCatalogRaw []byte

// Environment carries the per-task values catalog templates can expand.
type Environment struct {
	ArtifactDir string
	MasterURL   string
}

type planSpec struct {
	Name         string   `yaml:"name"`
	Types        []string `yaml:"types"`
	Keywords     []string `yaml:"keywords"`
	Role         string   `yaml:"role"`
	Summary      string   `yaml:"summary"`
	Notification string   `yaml:"notification"`
	Script       string   `yaml:"script"`
}

type catalogFile struct {
	Plans []planSpec `yaml:"plans"`
}

type catalogPlan struct {
	name         string
	types        []string
	keywords     []string
	role         string
	summary      *template.Template
	notification *template.Template
	script       *template.Template
}

// Catalog holds the deterministic plans used when the reasoning service is
// unavailable. Plans match on exact task type or on description keywords,
// the single built-in entry is the HTML slides to video render plan.
type Catalog struct {
	plans []catalogPlan
}

// DefaultCatalog returns the catalog with only the built-in plans.
func DefaultCatalog() (*Catalog, error) {
	c := &Catalog{}
	if err := c.load(defaultCatalogRaw); err != nil {
		return nil, fmt.Errorf("could not load built-in catalog: %w", err)
	}
	return c, nil
}

// LoadExtra merges operator supplied plans into the catalog. A plan with the
// name of an existing one replaces it.
func (c *Catalog) LoadExtra(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("could not read catalog: %w", err)
	}
	return c.load(raw)
}

func (c *Catalog) load(raw []byte) error {
	cf := catalogFile{}
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return fmt.Errorf("could not unmarshal catalog: %w", err)
	}

	for _, spec := range cf.Plans {
		if spec.Name == "" {
			return fmt.Errorf("catalog plan without name: %w", model.ErrNotValid)
		}
		p := catalogPlan{
			name:     spec.Name,
			types:    lowerAll(spec.Types),
			keywords: lowerAll(spec.Keywords),
			role:     spec.Role,
		}

		var err error
		p.summary, err = template.New(spec.Name + "/summary").Parse(spec.Summary)
		if err == nil {
			p.notification, err = template.New(spec.Name + "/notification").Parse(spec.Notification)
		}
		if err == nil {
			p.script, err = template.New(spec.Name + "/script").Parse(spec.Script)
		}
		if err != nil {
			return fmt.Errorf("invalid templates in catalog plan %q: %w", spec.Name, err)
		}

		replaced := false
		for i := range c.plans {
			if c.plans[i].name == p.name {
				c.plans[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			c.plans = append(c.plans, p)
		}
	}

	return nil
}

type planData struct {
	TaskID      string
	TaskLabel   string
	TaskType    string
	WorkerID    string
	WorkerAddr  string
	ArtifactDir string
	MasterURL   string
	Extra       map[string]string
}

// Resolve matches a plan for the task and renders it against a
// deterministically picked worker (lowest id among the active ones). It
// returns ErrNotFound when no plan matches and ErrNotValid when no worker
// can take the work.
func (c *Catalog) Resolve(t model.Task, workers []model.Worker, env Environment) (*model.Plan, error) {
	p := c.match(t)
	if p == nil {
		return nil, fmt.Errorf("no catalog plan for task type %q: %w", t.Type, model.ErrNotFound)
	}

	w := pickWorker(workers)
	if w == nil {
		return nil, fmt.Errorf("no active worker for catalog plan %q: %w", p.name, model.ErrNotValid)
	}

	extra := t.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	data := planData{
		TaskID:      t.ID,
		TaskLabel:   t.Label(),
		TaskType:    t.Type,
		WorkerID:    w.ID,
		WorkerAddr:  w.Addr,
		ArtifactDir: env.ArtifactDir,
		MasterURL:   env.MasterURL,
		Extra:       extra,
	}

	summary, err := render(p.summary, data)
	if err != nil {
		return nil, err
	}
	notification, err := render(p.notification, data)
	if err != nil {
		return nil, err
	}
	script, err := render(p.script, data)
	if err != nil {
		return nil, err
	}

	return &model.Plan{
		Summary:      summary,
		Notification: notification,
		ArtifactDir:  env.ArtifactDir,
		Assignments: []model.PlanAssignment{
			{WorkerID: w.ID, Role: p.role, Script: script},
		},
	}, nil
}

func (c *Catalog) match(t model.Task) *catalogPlan {
	taskType := strings.ToLower(t.Type)
	desc := strings.ToLower(t.Description + " " + t.Title)

	for i := range c.plans {
		p := &c.plans[i]
		for _, pt := range p.types {
			if pt == taskType && taskType != "" {
				return p
			}
		}
		for _, kw := range p.keywords {
			if kw != "" && strings.Contains(desc, kw) {
				return p
			}
		}
	}

	return nil
}

func pickWorker(workers []model.Worker) *model.Worker {
	active := []model.Worker{}
	for _, w := range workers {
		if w.Status == model.WorkerStatusActive {
			active = append(active, w)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return &active[0]
}

func render(t *template.Template, data planData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("could not render template %q: %w", t.Name(), err)
	}
	return b.String(), nil
}

func lowerAll(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, strings.ToLower(s))
	}
	return out
}
