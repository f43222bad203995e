package vault

import (
	"context"
	"fmt"
)

// Pipeline bundles the components of a vault built over one repository.
type Pipeline struct {
	Assets       *AssetStore
	Ledger       *Ledger
	Styles       *StyleCatalog
	Orchestrator *Orchestrator
	Planner      *Planner
	Dispatcher   *Dispatcher
}

// NewPipeline wires every component over repo. The options apply to
// all of them; transformer may be nil for processes that only submit
// work.
func NewPipeline(repo Repository, transformer Transformer, options ...Option) (*Pipeline, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}

	styles, err := NewStyleCatalog(repo, options...)
	if err != nil {
		return nil, err
	}
	assets, err := NewAssetStore(repo, repo, options...)
	if err != nil {
		return nil, err
	}
	ledger, err := NewLedger(repo, options...)
	if err != nil {
		return nil, err
	}
	orchestrator, err := NewOrchestrator(ledger, assets, styles, transformer, options...)
	if err != nil {
		return nil, err
	}
	planner, err := NewPlanner(ledger, assets, repo, options...)
	if err != nil {
		return nil, err
	}
	dispatcher, err := NewDispatcher(ledger, assets, options...)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		Assets:       assets,
		Ledger:       ledger,
		Styles:       styles,
		Orchestrator: orchestrator,
		Planner:      planner,
		Dispatcher:   dispatcher,
	}, nil
}

// SweepStale reclaims expired leases across both job kinds.
func (p *Pipeline) SweepStale(ctx context.Context) (*SweepResult, error) {
	return p.Ledger.SweepStale(ctx)
}
