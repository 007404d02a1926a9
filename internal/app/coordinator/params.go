package coordinator

import "github.com/trainmesh/coordinator/internal/domain"

// InMemoryParams is the default ParamsProvider: it holds the live
// parameter set in memory and applies each round's aggregated gradient as
// a direct additive update, scaled by LearningRate. Checkpointing and
// restart recovery go through domain.CheckpointStore separately; this
// type only owns the value currently being trained.
type InMemoryParams struct {
	LearningRate float64
	current      domain.ParameterSet
}

// NewInMemoryParams seeds the provider with the session's initial
// parameter set (version 0).
func NewInMemoryParams(initial domain.ParameterSet, learningRate float64) *InMemoryParams {
	if learningRate == 0 {
		learningRate = 1.0
	}
	return &InMemoryParams{LearningRate: learningRate, current: initial}
}

// Current returns the live parameter set.
func (p *InMemoryParams) Current() domain.ParameterSet {
	return p.current
}

// Apply folds an aggregated gradient into the parameter set in place and
// returns the new version, implementing coordinator.ParamsProvider.
func (p *InMemoryParams) Apply(gradient map[string]domain.ParamArray) domain.ParameterSet {
	next := domain.ParameterSet{
		Version: p.current.Version + 1,
		Names:   p.current.Names,
		Params:  make(map[string]domain.ParamArray, len(p.current.Params)),
	}
	for _, name := range p.current.Names {
		base := p.current.Params[name]
		delta, ok := gradient[name]
		if !ok {
			next.Params[name] = base
			continue
		}
		data := make([]float64, len(base.Data))
		for i, v := range base.Data {
			d := 0.0
			if i < len(delta.Data) {
				d = delta.Data[i]
			}
			data[i] = v + p.LearningRate*d
		}
		next.Params[name] = domain.ParamArray{Shape: base.Shape, Data: data}
	}
	p.current = next
	return next
}

// Restore overwrites the live parameter set, used after loading a
// checkpoint on process restart.
func (p *InMemoryParams) Restore(params domain.ParameterSet) {
	p.current = params
}
