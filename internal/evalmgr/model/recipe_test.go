package model

import (
	"testing"

	appErr "ojeval/pkg/errors"
)

func names(r Recipe) []string {
	out := make([]string, len(r))
	for i, s := range r {
		out[i] = s.Name
	}
	return out
}

func assertNames(t *testing.T, r Recipe, want ...string) {
	t.Helper()
	got := names(r)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestInsertAfterPlaceholderRunsNextAndSkipsAnchor(t *testing.T) {
	t.Parallel()
	r := Recipe{NewStep("compile", "h.compile"), Placeholder("after_compile"), NewStep("run", "h.run")}

	edited, err := r.InsertAfterPlaceholder("after_compile", NewStep("check", "h.check"))
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	assertNames(t, edited, "compile", "after_compile", "check", "run")
	assertNames(t, r, "compile", "after_compile", "run")

	var visited []string
	for {
		step, rest, ok := edited.Pop()
		if !ok {
			break
		}
		edited = rest
		if !step.IsPlaceholder() {
			visited = append(visited, step.Name)
		}
	}
	want := []string{"compile", "check", "run"}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("unexpected visit order %v", visited)
		}
	}
}

func TestPlaceholderLookupIgnoresRealSteps(t *testing.T) {
	t.Parallel()
	r := Recipe{NewStep("grade", "h.grade"), Placeholder("grade")}
	i, err := r.FindPlaceholder("grade")
	if err != nil || i != 1 {
		t.Fatalf("expected placeholder at 1, got %d err=%v", i, err)
	}
	i, err = r.Find("grade")
	if err != nil || i != 0 {
		t.Fatalf("expected entry at 0, got %d err=%v", i, err)
	}
}

func TestSpliceKeepsOrder(t *testing.T) {
	t.Parallel()
	r := Recipe{Placeholder("p"), NewStep("z", "h.z")}

	before, err := r.SpliceBeforePlaceholder("p", NewStep("a", "h"), NewStep("b", "h"))
	if err != nil {
		t.Fatalf("splice failed: %v", err)
	}
	assertNames(t, before, "a", "b", "p", "z")

	after, err := r.SpliceAfter("p", NewStep("a", "h"), NewStep("b", "h"))
	if err != nil {
		t.Fatalf("splice failed: %v", err)
	}
	assertNames(t, after, "p", "a", "b", "z")

	entry, err := r.InsertBefore("z", NewStep("y", "h"))
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	assertNames(t, entry, "p", "y", "z")
}

func TestEntryEditsAnchorOnFirstMatch(t *testing.T) {
	t.Parallel()
	r := Recipe{NewStep("a", "h.a"), NewStep("b", "h.b"), NewStep("b", "h.b2"), NewStep("c", "h.c")}
	cases := []struct {
		name string
		edit func() (Recipe, error)
		want []string
	}{
		{"insert before", func() (Recipe, error) { return r.InsertBefore("b", NewStep("x", "h")) }, []string{"a", "x", "b", "b", "c"}},
		{"insert after", func() (Recipe, error) { return r.InsertAfter("b", NewStep("x", "h")) }, []string{"a", "b", "x", "b", "c"}},
		{"splice before", func() (Recipe, error) {
			return r.SpliceBefore("b", NewStep("x", "h"), NewStep("y", "h"))
		}, []string{"a", "x", "y", "b", "b", "c"}},
		{"splice after", func() (Recipe, error) {
			return r.SpliceAfter("b", NewStep("x", "h"), NewStep("y", "h"))
		}, []string{"a", "b", "x", "y", "b", "c"}},
		{"insert after last", func() (Recipe, error) { return r.InsertAfter("c", NewStep("x", "h")) }, []string{"a", "b", "b", "c", "x"}},
		{"splice before first", func() (Recipe, error) { return r.SpliceBefore("a", NewStep("x", "h")) }, []string{"x", "a", "b", "b", "c"}},
	}
	for _, tc := range cases {
		out, err := tc.edit()
		if err != nil {
			t.Fatalf("%s failed: %v", tc.name, err)
		}
		assertNames(t, out, tc.want...)
	}
	assertNames(t, r, "a", "b", "b", "c")

	for _, edit := range []func() (Recipe, error){
		func() (Recipe, error) { return r.InsertAfter("missing", NewStep("x", "h")) },
		func() (Recipe, error) { return r.SpliceBefore("missing", NewStep("x", "h")) },
	} {
		out, err := edit()
		if !appErr.Is(err, appErr.RecipeEntryNotFound) {
			t.Fatalf("expected RecipeEntryNotFound, got %v", err)
		}
		assertNames(t, out, "a", "b", "b", "c")
	}
}

func TestPlaceholderEditsSkipRealStepsOfSameName(t *testing.T) {
	t.Parallel()
	r := Recipe{NewStep("p", "h.real"), Placeholder("p"), NewStep("z", "h.z")}

	before, err := r.InsertBeforePlaceholder("p", NewStep("x", "h"))
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	assertNames(t, before, "p", "x", "p", "z")

	after, err := r.SpliceAfterPlaceholder("p", NewStep("x", "h"), NewStep("y", "h"))
	if err != nil {
		t.Fatalf("splice failed: %v", err)
	}
	assertNames(t, after, "p", "p", "x", "y", "z")
	if after[1].Handler != PlaceholderHandler {
		t.Fatalf("expected the anchor to stay in place, got %+v", after[1])
	}
}

func TestReplaceKeepsPosition(t *testing.T) {
	t.Parallel()
	r := Recipe{NewStep("a", "h.a"), NewStep("b", "h.b"), NewStep("c", "h.c")}
	out, err := r.Replace("b", NewStep("b2", "h.b2"))
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	assertNames(t, out, "a", "b2", "c")
	if r[1].Name != "b" {
		t.Fatalf("replace must not modify the receiver")
	}
}

func TestMissingAnchorIsRecoverable(t *testing.T) {
	t.Parallel()
	r := Recipe{NewStep("p", "h.real")}
	out, err := r.InsertAfterPlaceholder("p", NewStep("x", "h"))
	if !appErr.Is(err, appErr.RecipeEntryNotFound) {
		t.Fatalf("expected RecipeEntryNotFound, got %v", err)
	}
	assertNames(t, out, "p")
	if _, err := r.Replace("missing", NewStep("x", "h")); !appErr.Is(err, appErr.RecipeEntryNotFound) {
		t.Fatalf("expected RecipeEntryNotFound, got %v", err)
	}
}

func TestTransferJobRejectsSecondTransfer(t *testing.T) {
	t.Parallel()
	env := NewEnviron()
	env, err := TransferJob(env, "t.func", "r.func", map[string]any{"foo": 42})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if env.Transfer.Func != "t.func" || env.RestoreFunc != "r.func" || env.Transfer.Kwargs["foo"] != 42 {
		t.Fatalf("unexpected transfer %+v", env.Transfer)
	}
	if _, err := TransferJob(env, "t.other", "r.func", nil); !appErr.Is(err, appErr.DoubleTransfer) {
		t.Fatalf("expected DoubleTransfer, got %v", err)
	}
}
