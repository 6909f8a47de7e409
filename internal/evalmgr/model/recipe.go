package model

import (
	"slices"

	appErr "ojeval/pkg/errors"
)

// PlaceholderHandler is the reserved no-op handler used for insertion anchors.
const PlaceholderHandler = "evalmgr.placeholder"

// Step is one recipe entry: a label, a registered handler reference and
// optional keyword arguments.
type Step struct {
	Name    string         `json:"name"`
	Handler string         `json:"handler"`
	Kwargs  map[string]any `json:"kwargs,omitempty"`
}

// NewStep builds a step without kwargs.
func NewStep(name, handler string) Step {
	return Step{Name: name, Handler: handler}
}

// WithKwargs returns a copy of s carrying kwargs.
func (s Step) WithKwargs(kwargs map[string]any) Step {
	s.Kwargs = kwargs
	return s
}

// Placeholder returns a named insertion anchor.
func Placeholder(name string) Step {
	return Step{Name: name, Handler: PlaceholderHandler}
}

// IsPlaceholder reports whether s is an anchor.
func (s Step) IsPlaceholder() bool {
	return s.Handler == PlaceholderHandler
}

// Recipe is the ordered list of steps still to run. Editing methods never
// modify the receiver's backing array; they return a new Recipe.
type Recipe []Step

// Find returns the index of the first step named name.
func (r Recipe) Find(name string) (int, error) {
	for i, s := range r {
		if s.Name == name {
			return i, nil
		}
	}
	return -1, appErr.Newf(appErr.RecipeEntryNotFound, "entry '%s' not found in recipe", name)
}

// FindPlaceholder is Find restricted to placeholder steps, so an anchor is
// never confused with a real step of the same name.
func (r Recipe) FindPlaceholder(name string) (int, error) {
	for i, s := range r {
		if s.Name == name && s.IsPlaceholder() {
			return i, nil
		}
	}
	return -1, appErr.Newf(appErr.RecipeEntryNotFound, "placeholder '%s' not found in recipe", name)
}

func (r Recipe) splice(index int, steps []Step) Recipe {
	out := make(Recipe, 0, len(r)+len(steps))
	out = append(out, r[:index]...)
	out = append(out, steps...)
	return append(out, r[index:]...)
}

// InsertBeforePlaceholder inserts step right before the placeholder name.
func (r Recipe) InsertBeforePlaceholder(name string, step Step) (Recipe, error) {
	return r.SpliceBeforePlaceholder(name, step)
}

// InsertAfterPlaceholder inserts step right after the placeholder name.
func (r Recipe) InsertAfterPlaceholder(name string, step Step) (Recipe, error) {
	return r.SpliceAfterPlaceholder(name, step)
}

// SpliceBeforePlaceholder inserts steps, in order, before the placeholder name.
func (r Recipe) SpliceBeforePlaceholder(name string, steps ...Step) (Recipe, error) {
	i, err := r.FindPlaceholder(name)
	if err != nil {
		return r, err
	}
	return r.splice(i, steps), nil
}

// SpliceAfterPlaceholder inserts steps, in order, after the placeholder name.
func (r Recipe) SpliceAfterPlaceholder(name string, steps ...Step) (Recipe, error) {
	i, err := r.FindPlaceholder(name)
	if err != nil {
		return r, err
	}
	return r.splice(i+1, steps), nil
}

// InsertBefore inserts step right before the first entry named name.
func (r Recipe) InsertBefore(name string, step Step) (Recipe, error) {
	return r.SpliceBefore(name, step)
}

// InsertAfter inserts step right after the first entry named name.
func (r Recipe) InsertAfter(name string, step Step) (Recipe, error) {
	return r.SpliceAfter(name, step)
}

// SpliceBefore inserts steps, in order, before the first entry named name.
func (r Recipe) SpliceBefore(name string, steps ...Step) (Recipe, error) {
	i, err := r.Find(name)
	if err != nil {
		return r, err
	}
	return r.splice(i, steps), nil
}

// SpliceAfter inserts steps, in order, after the first entry named name.
func (r Recipe) SpliceAfter(name string, steps ...Step) (Recipe, error) {
	i, err := r.Find(name)
	if err != nil {
		return r, err
	}
	return r.splice(i+1, steps), nil
}

// Replace swaps the first entry named name for step, keeping its position.
func (r Recipe) Replace(name string, step Step) (Recipe, error) {
	i, err := r.Find(name)
	if err != nil {
		return r, err
	}
	out := slices.Clone(r)
	out[i] = step
	return out, nil
}

// Pop returns the first step and the remaining tail.
func (r Recipe) Pop() (Step, Recipe, bool) {
	if len(r) == 0 {
		return Step{}, r, false
	}
	return r[0], r[1:len(r):len(r)], true
}

// TransferJob asks the orchestrator to hand the job off through transferFunc
// once the current step returns. restoreFunc merges the parked environ with
// the callback payload on resume. It fails if a transfer is already pending.
func TransferJob(env *Environ, transferFunc, restoreFunc string, kwargs map[string]any) (*Environ, error) {
	if env.Transfer != nil {
		return nil, appErr.Newf(appErr.DoubleTransfer,
			"tried to transfer environ again, with %s(%v)", transferFunc, kwargs)
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	env.Transfer = &TransferRequest{Func: transferFunc, Kwargs: kwargs}
	env.RestoreFunc = restoreFunc
	return env, nil
}
