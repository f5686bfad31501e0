// Package aggregate merges suggestions from several providers into one
// ranked result.
package aggregate

import (
	"sort"
	"strings"

	"github.com/AnandSundar/go-plantid/model"
)

// Aggregator merges provider results. The merge is commutative: providers
// are ranked by the priority list given to New, never by arrival order.
type Aggregator struct {
	rank map[string]int
}

// New creates an aggregator. priority lists provider names from highest to
// lowest priority; unlisted providers rank after listed ones, by name.
func New(priority ...string) *Aggregator {
	rank := make(map[string]int, len(priority))
	for i, name := range priority {
		if _, ok := rank[name]; !ok {
			rank[name] = i
		}
	}
	return &Aggregator{rank: rank}
}

// less reports whether provider a outranks provider b
func (a *Aggregator) less(x, y string) bool {
	rx, okx := a.rank[x]
	ry, oky := a.rank[y]
	switch {
	case okx && oky:
		return rx < ry
	case okx != oky:
		return okx
	default:
		return x < y
	}
}

// NormalizeName folds a species name for duplicate detection
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func key(s model.Suggestion) string {
	if k := NormalizeName(s.ScientificName); k != "" {
		return k
	}
	return NormalizeName(s.Name)
}

// merged is one de-duplicated species; owner is the provider whose entry won
type merged struct {
	suggestion model.Suggestion
	owner      string
	sources    map[string]bool
}

// Merge combines the succeeded results. A single success is returned as-is;
// several successes are de-duplicated by species and sorted by descending
// confidence. Failed results are ignored.
func (a *Aggregator) Merge(fp model.Fingerprint, results []model.ProviderResult) *model.AggregatedResult {
	succeeded := make([]model.ProviderResult, 0, len(results))
	for _, r := range results {
		if r.Succeeded {
			succeeded = append(succeeded, r)
		}
	}
	sort.SliceStable(succeeded, func(i, j int) bool {
		return a.less(succeeded[i].Provider, succeeded[j].Provider)
	})

	out := &model.AggregatedResult{
		Fingerprint:     fp,
		Suggestions:     []model.Suggestion{},
		SourceProviders: make([]string, 0, len(succeeded)),
	}
	for _, r := range succeeded {
		out.SourceProviders = append(out.SourceProviders, r.Provider)
	}

	if len(succeeded) == 1 {
		for _, s := range succeeded[0].Suggestions {
			s.Sources = []string{succeeded[0].Provider}
			out.Suggestions = append(out.Suggestions, s)
		}
		return out
	}

	byKey := make(map[string]*merged)
	var order []string
	for _, r := range succeeded {
		for _, s := range r.Suggestions {
			k := key(s)
			m, ok := byKey[k]
			if !ok {
				byKey[k] = &merged{
					suggestion: s,
					owner:      r.Provider,
					sources:    map[string]bool{r.Provider: true},
				}
				order = append(order, k)
				continue
			}
			m.sources[r.Provider] = true
			// Providers are visited in priority order, so an equal score keeps
			// the higher-priority entry
			if s.Confidence > m.suggestion.Confidence {
				loser := m.suggestion.Metadata
				m.suggestion = s
				m.owner = r.Provider
				m.suggestion.Metadata = mergeMetadata(s.Metadata, loser)
			} else {
				m.suggestion.Metadata = mergeMetadata(m.suggestion.Metadata, s.Metadata)
			}
		}
	}

	for _, k := range order {
		m := byKey[k]
		s := m.suggestion
		s.Sources = a.sortedSources(m.sources)
		out.Suggestions = append(out.Suggestions, s)
	}

	sort.SliceStable(out.Suggestions, func(i, j int) bool {
		si, sj := out.Suggestions[i], out.Suggestions[j]
		if si.Confidence != sj.Confidence {
			return si.Confidence > sj.Confidence
		}
		if pi, pj := byKey[key(si)].owner, byKey[key(sj)].owner; pi != pj {
			return a.less(pi, pj)
		}
		return key(si) < key(sj)
	})
	return out
}

// mergeMetadata returns winner's metadata with keys from other added where
// winner has none
func mergeMetadata(winner, other map[string]string) map[string]string {
	if len(winner) == 0 && len(other) == 0 {
		return nil
	}
	out := make(map[string]string, len(winner)+len(other))
	for k, v := range other {
		out[k] = v
	}
	for k, v := range winner {
		out[k] = v
	}
	return out
}

func (a *Aggregator) sortedSources(set map[string]bool) []string {
	sources := make([]string, 0, len(set))
	for p := range set {
		sources = append(sources, p)
	}
	sort.Slice(sources, func(i, j int) bool {
		return a.less(sources[i], sources[j])
	})
	return sources
}
