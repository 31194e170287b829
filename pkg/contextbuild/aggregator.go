package contextbuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alitto/pond/v2"

	"github.com/parallaxdata/chatbi/pkg/metadata"
	"github.com/parallaxdata/chatbi/pkg/relation"
)

const defaultLoaderPoolSize = 5

// Request describes one aggregation call.
type Request struct {
	Question string
	Keywords []string
	Source   string
	Tables   []SelectedTable // concrete tables when selection already ran
	Budget   TokenBudget
}

// SelectedTable identifies a table chosen by upstream selection.
type SelectedTable struct {
	ID   int64
	Name string
}

// SkippedModule records a module excluded from the context and why.
type SkippedModule struct {
	Type   ModuleType
	Reason string
}

// Result is the best-effort aggregation output. It always carries whatever
// context could be assembled, even when some modules were skipped.
type Result struct {
	Context         string
	Relevance       map[ModuleType]float64
	TokensUsed      int
	TokensRemaining int
	Admitted        []ModuleType
	Skipped         []SkippedModule
}

// Config holds the aggregator dependencies.
type Config struct {
	Logger   *slog.Logger
	Store    metadata.Store
	Resolver *relation.Resolver

	// LoaderPoolSize bounds concurrent module loads. Defaults to one
	// worker per module type.
	LoaderPoolSize int
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("metadata store is required")
	}
	if c.Resolver == nil {
		return errors.New("relation resolver is required")
	}
	if c.LoaderPoolSize <= 0 {
		c.LoaderPoolSize = defaultLoaderPoolSize
	}
	return nil
}

// Aggregator assembles context strings under a token budget.
type Aggregator struct {
	cfg  *Config
	log  *slog.Logger
	pool pond.ResultPool[loadedModule]
}

type loadedModule struct {
	Type    ModuleType
	Content string
	Err     error
}

// New creates an Aggregator.
func New(cfg *Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		cfg:  cfg,
		log:  cfg.Logger,
		pool: pond.NewResultPool[loadedModule](cfg.LoaderPoolSize),
	}, nil
}

// Aggregate scores the five modules, admits them greedily under the budget,
// loads the admitted set concurrently, and assembles the context string in a
// fixed section order. It never returns an error: a failed loader demotes
// its module to the skipped list and aggregation continues.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) Result {
	modules := a.planModules(req)

	admitted, skipped := admit(modules, req.Budget)

	result := Result{
		Relevance: make(map[ModuleType]float64, len(modules)),
		Skipped:   skipped,
	}
	for _, m := range modules {
		result.Relevance[m.Type] = m.Relevance
	}

	loaded := a.loadAll(ctx, req, admitted)

	var sections []string
	used := 0
	for _, lm := range loaded {
		if lm.Err != nil {
			a.log.Warn("context module load failed, excluding",
				"module", lm.Type, "error", lm.Err)
			result.Skipped = append(result.Skipped, SkippedModule{
				Type:   lm.Type,
				Reason: fmt.Sprintf("load failed: %v", lm.Err),
			})
			continue
		}
		if strings.TrimSpace(lm.Content) == "" {
			result.Skipped = append(result.Skipped, SkippedModule{
				Type:   lm.Type,
				Reason: "no content for this question",
			})
			continue
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", sectionTitles[lm.Type], lm.Content))
		result.Admitted = append(result.Admitted, lm.Type)
		used += EstimateTokens(lm.Content)
	}

	for _, t := range result.Admitted {
		modulesTotal.WithLabelValues(string(t), "admitted").Inc()
	}
	for _, s := range result.Skipped {
		modulesTotal.WithLabelValues(string(s.Type), "skipped").Inc()
	}

	result.Context = strings.Join(sections, "\n\n")
	result.TokensUsed = used
	result.TokensRemaining = req.Budget.Available() - used
	if result.TokensRemaining < 0 {
		result.TokensRemaining = 0
	}

	a.log.Debug("context assembled",
		"admitted", len(result.Admitted),
		"skipped", len(result.Skipped),
		"tokens_used", result.TokensUsed)

	return result
}

// planModules builds the five scored, costed module descriptors for this
// request. The slice order is fixed so aggregation is deterministic.
func (a *Aggregator) planModules(req Request) []Module {
	types := []ModuleType{
		ModuleDataSource,
		ModuleTableStructure,
		ModuleTableRelation,
		ModuleDictionary,
		ModuleKnowledge,
	}
	tablesKnown := len(req.Tables) > 0

	modules := make([]Module, 0, len(types))
	for _, t := range types {
		modules = append(modules, Module{
			Type:      t,
			Priority:  priorities[t],
			Relevance: scoreRelevance(t, req.Keywords, tablesKnown),
			TokenCost: estimateCost(t, len(req.Tables)),
		})
	}
	return modules
}

// estimateCost predicts a module's token footprint before loading it, from a
// per-type base plus a per-table increment. Estimates run high on purpose:
// over-admitting is the failure mode the budget exists to prevent.
func estimateCost(t ModuleType, tableCount int) int {
	if tableCount == 0 {
		tableCount = 3 // assume a few tables when selection has not run yet
	}
	switch t {
	case ModuleDataSource:
		return 60
	case ModuleTableStructure:
		return 50 + 80*tableCount
	case ModuleTableRelation:
		return 40 + 30*tableCount
	case ModuleDictionary:
		return 30 + 25*tableCount
	case ModuleKnowledge:
		return 150
	default:
		return 100
	}
}

// valueDensityFloor is the minimum relevance-per-cost ratio (scaled per 100
// tokens) a non-critical module must clear to be admitted.
const valueDensityFloor = 0.3

// admit selects modules greedily: critical tier first regardless of value
// density (a critical module may exceed the remaining budget but never
// evicts an already-admitted one), then the rest in (priority desc,
// relevance desc) order, each admitted only if it fits the remaining budget
// and clears the value-density floor.
func admit(modules []Module, budget TokenBudget) (admitted []Module, skipped []SkippedModule) {
	ordered := append([]Module(nil), modules...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Relevance > ordered[j].Relevance
	})

	remaining := budget.Available()
	for _, m := range ordered {
		if m.Priority == PriorityCritical {
			// Critical modules are admitted even when the estimate
			// exceeds what is left, as long as any budget remains.
			if remaining <= 0 {
				skipped = append(skipped, SkippedModule{
					Type:   m.Type,
					Reason: "budget exhausted before critical module",
				})
				continue
			}
			admitted = append(admitted, m)
			remaining -= m.TokenCost
			if remaining < 0 {
				remaining = 0
			}
			continue
		}

		if m.TokenCost > remaining {
			skipped = append(skipped, SkippedModule{
				Type:   m.Type,
				Reason: fmt.Sprintf("cost %d exceeds remaining budget %d", m.TokenCost, remaining),
			})
			continue
		}
		if density(m) < valueDensityFloor {
			skipped = append(skipped, SkippedModule{
				Type:   m.Type,
				Reason: fmt.Sprintf("value density %.2f below floor", density(m)),
			})
			continue
		}
		admitted = append(admitted, m)
		remaining -= m.TokenCost
	}
	return admitted, skipped
}

// density is relevance per 100 estimated tokens.
func density(m Module) float64 {
	if m.TokenCost <= 0 {
		return m.Relevance
	}
	return m.Relevance / (float64(m.TokenCost) / 100)
}

// loadAll runs the admitted loaders concurrently and returns their outcomes
// in submission order.
func (a *Aggregator) loadAll(ctx context.Context, req Request, admitted []Module) []loadedModule {
	group := a.pool.NewGroupContext(ctx)

	for _, m := range admitted {
		m := m
		group.SubmitErr(func() (loadedModule, error) {
			content, err := a.load(ctx, m.Type, req)
			// Loader errors ride inside the result so one failure does
			// not cancel the sibling loads.
			return loadedModule{Type: m.Type, Content: content, Err: err}, nil
		})
	}

	results, err := group.Wait()
	if err != nil {
		// Only context cancellation reaches here.
		a.log.Warn("context module loading interrupted", "error", err)
	}
	return results
}

func (a *Aggregator) load(ctx context.Context, t ModuleType, req Request) (string, error) {
	switch t {
	case ModuleDataSource:
		return a.loadDataSource(ctx, req)
	case ModuleTableStructure:
		return a.loadTableStructure(ctx, req)
	case ModuleTableRelation:
		return a.loadTableRelation(ctx, req)
	case ModuleDictionary:
		return a.loadDictionary(ctx, req)
	case ModuleKnowledge:
		return a.loadKnowledge(ctx, req)
	default:
		return "", fmt.Errorf("unknown module type %q", t)
	}
}
