package engine

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

// PhaseWithDeps decorates a phase with its resolved dependency edges
// and the derived blocking state.
type PhaseWithDeps struct {
	domain.Phase
	Dependencies         []domain.ResolvedDependency `json:"dependencies,omitempty"`
	IsBlocked            bool                        `json:"is_blocked"`
	BlockingDependencies []string                    `json:"blocking_dependencies,omitempty"`
}

// ResolveDependencies joins dependency edges onto the given phases.
// Two queries, merged in memory keyed by phase id: the phase list is
// already in hand on every read path, so a relational join would fetch
// the same rows twice. An edge whose target is not in the set is
// dropped rather than treated as an error.
func (e Engine) ResolveDependencies(ctx context.Context, tx *sql.Tx, phases []domain.Phase) ([]PhaseWithDeps, error) {
	ids := make([]string, len(phases))
	byID := make(map[string]domain.Phase, len(phases))
	for i, p := range phases {
		ids[i] = p.ID
		byID[p.ID] = p
	}
	edges, err := e.Repo.ListDependencies(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	byDependent := map[string][]domain.PhaseDependency{}
	for _, edge := range edges {
		byDependent[edge.ProjectPhaseID] = append(byDependent[edge.ProjectPhaseID], edge)
	}
	res := make([]PhaseWithDeps, 0, len(phases))
	for _, p := range phases {
		pd := PhaseWithDeps{Phase: p}
		for _, edge := range byDependent[p.ID] {
			target, ok := byID[edge.DependsOnPhaseID]
			if !ok {
				continue
			}
			pd.Dependencies = append(pd.Dependencies, domain.ResolvedDependency{
				DependsOnPhaseID: edge.DependsOnPhaseID,
				DependencyType:   edge.DependencyType,
				PhaseName:        target.Name,
				PhaseStatus:      target.Status,
			})
			if edge.DependencyType == domain.DependencyHard && target.Status != domain.StatusCompleted {
				pd.IsBlocked = true
				pd.BlockingDependencies = append(pd.BlockingDependencies, target.Name)
			}
		}
		res = append(res, pd)
	}
	return res, nil
}

// resolveOne recomputes blocking state for a single phase against the
// full phase list of its project.
func (e Engine) resolveOne(ctx context.Context, tx *sql.Tx, phase domain.Phase) (PhaseWithDeps, error) {
	phases, err := e.Repo.ListPhases(ctx, tx, phase.ProjectID)
	if err != nil {
		return PhaseWithDeps{}, err
	}
	// Replace the stored row with the in-flight one so pending field
	// changes are reflected in the resolution.
	for i, p := range phases {
		if p.ID == phase.ID {
			phases[i] = phase
		}
	}
	resolved, err := e.ResolveDependencies(ctx, tx, phases)
	if err != nil {
		return PhaseWithDeps{}, err
	}
	for _, pd := range resolved {
		if pd.ID == phase.ID {
			return pd, nil
		}
	}
	return PhaseWithDeps{Phase: phase}, nil
}
