package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

type Roster struct {
	mu     sync.RWMutex
	people map[string]roster.Person
}

func NewRoster(people ...roster.Person) *Roster {
	r := &Roster{people: make(map[string]roster.Person)}
	for _, p := range people {
		r.Add(p)
	}
	return r
}

func (r *Roster) Add(p roster.Person) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.people[p.ID()] = p
}

func (r *Roster) ResolvePerson(ctx context.Context, kind models.PersonKind, externalID string) (roster.Person, error) {
	return r.Lookup(ctx, roster.PersonID(kind, externalID))
}

func (r *Roster) Lookup(_ context.Context, personID string) (roster.Person, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.people[personID]
	if !ok {
		return nil, roster.ErrNotFound
	}
	return p, nil
}

func (r *Roster) ListActive(context.Context) ([]roster.Person, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []roster.Person
	for _, p := range r.people {
		if p.Active() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (r *Roster) CohortMembers(_ context.Context, cohort string) ([]roster.Person, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []roster.Person
	for _, p := range r.people {
		if !p.Active() {
			continue
		}
		for _, c := range p.Cohorts() {
			if c == cohort {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}
