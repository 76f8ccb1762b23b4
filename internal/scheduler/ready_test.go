package scheduler

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestReady(t *testing.T) {
	later := testNow.Add(time.Hour)
	earlier := testNow.Add(-time.Hour)

	tests := []struct {
		name  string
		tasks []*Task
		want  []string
	}{
		{
			name: "only the root of a chain is ready",
			tasks: []*Task{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
			want: []string{"A"},
		},
		{
			name: "done dependency unblocks the next task",
			tasks: []*Task{
				{ID: "A", Status: StatusDone},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
			want: []string{"B"},
		},
		{
			name: "failed dependency blocks",
			tasks: []*Task{
				{ID: "A", Status: StatusFailed},
				{ID: "B", DependsOn: []string{"A"}},
			},
			want: []string{},
		},
		{
			name: "diamond waits for both sides",
			tasks: []*Task{
				{ID: "A", Status: StatusDone},
				{ID: "B", Status: StatusDone, DependsOn: []string{"A"}},
				{ID: "C", Status: StatusInProgress, AssignedTo: "w1", DependsOn: []string{"A"}},
				{ID: "D", DependsOn: []string{"B", "C"}},
			},
			want: []string{},
		},
		{
			name: "paused and abandoned are never ready",
			tasks: []*Task{
				{ID: "A", Status: StatusPaused},
				{ID: "B", Status: StatusAbandoned},
				{ID: "C"},
			},
			want: []string{"C"},
		},
		{
			name: "deferral",
			tasks: []*Task{
				{ID: "A", NotBefore: &later},
				{ID: "B", NotBefore: &earlier},
			},
			want: []string{"B"},
		},
		{
			name: "creation order is kept",
			tasks: []*Task{
				{ID: "zeta"},
				{ID: "alpha"},
				{ID: "mid"},
			},
			want: []string{"zeta", "alpha", "mid"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := buildGraph(t, tt.tasks...)
			got := Ready(g, testNow)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExplain(t *testing.T) {
	later := testNow.Add(time.Hour)

	tests := []struct {
		name        string
		tasks       []*Task
		id          string
		wantReady   bool
		wantBlocker string
		wantChain   []string
		reason      string
	}{
		{
			name:      "ready task",
			tasks:     []*Task{{ID: "A"}},
			id:        "A",
			wantReady: true,
			wantChain: []string{"A"},
			reason:    "ready",
		},
		{
			name: "transitive in progress blocker",
			tasks: []*Task{
				{ID: "A", Status: StatusInProgress, AssignedTo: "w1"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
			id:          "C",
			wantBlocker: "A",
			wantChain:   []string{"C", "B", "A"},
			reason:      "in progress by w1",
		},
		{
			name: "ready but unclaimed dependency",
			tasks: []*Task{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
			},
			id:          "B",
			wantBlocker: "A",
			wantChain:   []string{"B", "A"},
			reason:      "ready but unclaimed",
		},
		{
			name: "failed dependency",
			tasks: []*Task{
				{ID: "A", Status: StatusFailed},
				{ID: "B", DependsOn: []string{"A"}},
			},
			id:          "B",
			wantBlocker: "A",
			wantChain:   []string{"B", "A"},
			reason:      "which is failed",
		},
		{
			name:      "deferred task",
			tasks:     []*Task{{ID: "A", NotBefore: &later}},
			id:        "A",
			wantChain: []string{"A"},
			reason:    "deferred until",
		},
		{
			name:      "task itself done",
			tasks:     []*Task{{ID: "A", Status: StatusDone}},
			id:        "A",
			wantChain: []string{"A"},
			reason:    "status is done",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := buildGraph(t, tt.tasks...)
			exp, err := Explain(g, tt.id, testNow)
			if err != nil {
				t.Fatalf("Explain failed: %v", err)
			}
			if exp.Ready != tt.wantReady {
				t.Errorf("Ready = %v, want %v", exp.Ready, tt.wantReady)
			}
			if exp.Blocker != tt.wantBlocker {
				t.Errorf("Blocker = %q, want %q", exp.Blocker, tt.wantBlocker)
			}
			if !reflect.DeepEqual(exp.Chain, tt.wantChain) {
				t.Errorf("Chain = %v, want %v", exp.Chain, tt.wantChain)
			}
			if !strings.Contains(exp.Reason, tt.reason) {
				t.Errorf("Reason = %q, want it to contain %q", exp.Reason, tt.reason)
			}
		})
	}
}

func TestExplainUnknownTask(t *testing.T) {
	if _, err := Explain(NewGraph(), "ghost", testNow); err == nil {
		t.Fatal("expected error for unknown task")
	}
}
