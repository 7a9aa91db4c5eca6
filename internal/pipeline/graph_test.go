package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/auto-claude/auto-claude/internal/core"
)

func noopStage(name string, deps ...string) Stage {
	return Stage{
		Name:      name,
		DependsOn: deps,
		Action: func(context.Context, *StageContext) (Result, error) {
			return Result{OK: true}, nil
		},
	}
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var dom *core.DomainError
	if !errors.As(err, &dom) {
		t.Fatalf("expected a domain error, got %v", err)
	}
	return dom.Code
}

func TestBuildGraphOrdersByDependencies(t *testing.T) {
	g, err := buildGraph([]Stage{
		noopStage("merge", "build", "qa"),
		noopStage("qa", "build"),
		noopStage("build"),
	})
	if err != nil {
		t.Fatalf("buildGraph: %v", err)
	}

	order, err := g.topoOrder()
	if err != nil {
		t.Fatalf("topoOrder: %v", err)
	}
	if want := []string{"build", "qa", "merge"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("topo order = %v, want %v", order, want)
	}

	levels := g.levels()
	want := [][]string{{"build"}, {"qa"}, {"merge"}}
	if !reflect.DeepEqual(levels, want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}
}

func TestBuildGraphLevelsKeepDeclarationOrder(t *testing.T) {
	g, err := buildGraph([]Stage{
		noopStage("fetch"),
		noopStage("lint", "fetch"),
		noopStage("test", "fetch"),
		noopStage("report", "lint", "test"),
	})
	if err != nil {
		t.Fatalf("buildGraph: %v", err)
	}

	levels := g.levels()
	want := [][]string{{"fetch"}, {"lint", "test"}, {"report"}}
	if !reflect.DeepEqual(levels, want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}
}

func TestBuildGraphRejectsCycle(t *testing.T) {
	_, err := buildGraph([]Stage{
		noopStage("a", "b"),
		noopStage("b", "a"),
	})
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	if code := domainCode(t, err); code != core.CodeDAGCycle {
		t.Fatalf("code = %s, want %s", code, core.CodeDAGCycle)
	}
}

func TestBuildGraphRejectsInvalidStages(t *testing.T) {
	cases := []struct {
		name   string
		stages []Stage
	}{
		{"empty name", []Stage{noopStage("")}},
		{"duplicate name", []Stage{noopStage("a"), noopStage("a")}},
		{"unknown dependency", []Stage{noopStage("a", "ghost")}},
		{"missing action", []Stage{{Name: "a"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildGraph(tc.stages)
			if err == nil {
				t.Fatal("expected an error")
			}
			if code := domainCode(t, err); code != core.CodeInvalidConfig {
				t.Fatalf("code = %s, want %s", code, core.CodeInvalidConfig)
			}
		})
	}
}

func TestBuildGraphSelfDependencyIsCycle(t *testing.T) {
	_, err := buildGraph([]Stage{noopStage("a", "a")})
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	if code := domainCode(t, err); code != core.CodeDAGCycle {
		t.Fatalf("code = %s, want %s", code, core.CodeDAGCycle)
	}
}
