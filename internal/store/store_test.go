package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"pgregory.net/rapid"

	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

var (
	pending = []models.TaskStatus{models.TaskStatusPending}
	ready   = []models.TaskStatus{models.TaskStatusReady}
)

func specs(ids ...string) []models.TaskSpec {
	out := make([]models.TaskSpec, len(ids))
	for i, id := range ids {
		out[i] = models.TaskSpec{ID: id}
	}
	return out
}

func TestSubmit(t *testing.T) {
	s := New()
	tasks, err := s.Submit([]models.TaskSpec{
		{ID: "a", Title: "first", Priority: models.PriorityHigh},
		{ID: "b", DependsOn: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("Submit() returned %d tasks, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != models.TaskStatusPending {
			t.Errorf("task %s status = %s, want pending", task.ID, task.Status)
		}
	}
	if tasks[0].Seq >= tasks[1].Seq {
		t.Errorf("Seq not increasing: %d, %d", tasks[0].Seq, tasks[1].Seq)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		batch   []models.TaskSpec
		wantErr error
	}{
		{"duplicate of existing", specs("existing"), ErrDuplicateTask},
		{"duplicate within batch", specs("x", "x"), ErrDuplicateTask},
		{
			"cycle",
			[]models.TaskSpec{{ID: "a", DependsOn: []string{"b"}}, {ID: "b", DependsOn: []string{"a"}}},
			nil,
		},
		{
			"unknown dependency",
			[]models.TaskSpec{{ID: "a"}, {ID: "b", DependsOn: []string{"ghost"}}},
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			if _, err := s.Submit(specs("existing")); err != nil {
				t.Fatalf("seed Submit() error = %v", err)
			}

			_, err := s.Submit(tt.batch)
			if err == nil {
				t.Fatal("Submit() succeeded, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Submit() error = %v, want %v", err, tt.wantErr)
			}
			if s.Len() != 1 {
				t.Errorf("Len() = %d after rejected batch, want 1", s.Len())
			}
		})
	}
}

func TestSubmit_CycleErrorType(t *testing.T) {
	s := New()
	_, err := s.Submit([]models.TaskSpec{{ID: "a", DependsOn: []string{"b"}}, {ID: "b", DependsOn: []string{"a"}}})
	var cycleErr *DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("Submit() error = %v, want *DependencyCycleError", err)
	}

	_, err = s.Submit([]models.TaskSpec{{ID: "c", DependsOn: []string{"ghost"}}})
	var unknown *UnknownDependencyError
	if !errors.As(err, &unknown) {
		t.Fatalf("Submit() error = %v, want *UnknownDependencyError", err)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := New()
	if _, err := s.Submit([]models.TaskSpec{{ID: "a", DependsOn: nil, Metadata: map[string]string{"k": "v"}}}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	got, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got.Status = models.TaskStatusCompleted
	got.Metadata["k"] = "changed"

	again, _ := s.Get("a")
	if again.Status != models.TaskStatusPending {
		t.Errorf("external mutation changed status to %s", again.Status)
	}
	if again.Metadata["k"] != "v" {
		t.Errorf("external mutation changed metadata to %q", again.Metadata["k"])
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrTaskNotFound", err)
	}
}

func TestList_Filter(t *testing.T) {
	s := New()
	if _, err := s.Submit(specs("a", "b", "c")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := s.Transition("b", pending, models.TaskStatusReady, nil); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all in order", Filter{}, []string{"a", "b", "c"}},
		{"by status", Filter{Statuses: pending}, []string{"a", "c"}},
		{"by id", Filter{IDs: []string{"c", "a"}}, []string{"a", "c"}},
		{"by id and status", Filter{IDs: []string{"a", "b"}, Statuses: ready}, []string{"b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, task := range s.List(tt.filter) {
				got = append(got, task.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("List() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransition(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var got []events.Event
	s := New(WithClock(clock), WithSink(events.SinkFunc(func(e events.Event) { got = append(got, e) })))
	if _, err := s.Submit(specs("a")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if _, err := s.Transition("a", pending, models.TaskStatusReady, nil); err != nil {
		t.Fatalf("Transition(pending->ready) error = %v", err)
	}

	clock.Advance(time.Second)
	task, err := s.Transition("a", ready, models.TaskStatusRunning, func(t *models.Task) {
		t.AssignedTo = "w1"
		t.Status = models.TaskStatusFailed
	})
	if err != nil {
		t.Fatalf("Transition(ready->running) error = %v", err)
	}
	if task.Status != models.TaskStatusRunning {
		t.Errorf("Status = %s, want running; mutate must not override it", task.Status)
	}
	if task.StartedAt == nil || !task.StartedAt.Equal(clock.Now()) {
		t.Errorf("StartedAt = %v, want %v", task.StartedAt, clock.Now())
	}

	clock.Advance(time.Second)
	task, err = s.Transition("a", []models.TaskStatus{models.TaskStatusRunning}, models.TaskStatusCompleted, func(t *models.Task) {
		t.Result = "ok"
	})
	if err != nil {
		t.Fatalf("Transition(running->completed) error = %v", err)
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(clock.Now()) {
		t.Errorf("CompletedAt = %v, want %v", task.CompletedAt, clock.Now())
	}
	if task.Result != "ok" {
		t.Errorf("Result = %v, want ok", task.Result)
	}

	// Terminal tasks never move, even when listed in from.
	_, err = s.Transition("a", []models.TaskStatus{models.TaskStatusCompleted}, models.TaskStatusPending, nil)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("Transition() from terminal error = %v, want *InvalidTransitionError", err)
	}
	if invalid.Current != models.TaskStatusCompleted {
		t.Errorf("Current = %s, want completed", invalid.Current)
	}

	// submit + 3 transitions
	if len(got) != 4 {
		t.Fatalf("events = %d, want 4", len(got))
	}
	last := got[3]
	if last.From != "running" || last.To != "completed" || last.WorkerID != "w1" {
		t.Errorf("last event = %+v", last)
	}
}

func TestTransition_ConcurrentCAS(t *testing.T) {
	s := New()
	if _, err := s.Submit(specs("a")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	const callers = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Transition("a", pending, models.TaskStatusRunning, func(t *models.Task) {
				t.AssignedTo = fmt.Sprintf("w%d", i)
			})
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Transition() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful transitions = %d, want exactly 1", wins.Load())
	}
}

func TestMarkBlocked(t *testing.T) {
	s := New()
	if _, err := s.Submit(specs("a", "b", "c")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := s.Transition("b", pending, models.TaskStatusCancelled, nil); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if _, err := s.Transition("c", pending, models.TaskStatusRunning, nil); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	changed, err := s.MarkBlocked("a", models.ReasonBlocked)
	if err != nil || !changed {
		t.Fatalf("MarkBlocked(a) = %v, %v, want true, nil", changed, err)
	}
	a, _ := s.Get("a")
	if a.Status != models.TaskStatusBlocked || a.Error != models.ReasonBlocked {
		t.Errorf("a = %s %q", a.Status, a.Error)
	}

	changed, err = s.MarkBlocked("b", models.ReasonBlocked)
	if err != nil || changed {
		t.Errorf("MarkBlocked(terminal) = %v, %v, want false, nil", changed, err)
	}

	if _, err := s.MarkBlocked("c", models.ReasonBlocked); err == nil {
		t.Error("MarkBlocked(running) succeeded, want error")
	}
}

func TestCountsAndActive(t *testing.T) {
	s := New()
	if s.Active() {
		t.Error("empty store is active")
	}
	if _, err := s.Submit(specs("a", "b")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !s.Active() {
		t.Error("store with pending tasks is not active")
	}

	for _, id := range []string{"a", "b"} {
		if _, err := s.Transition(id, pending, models.TaskStatusCancelled, nil); err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
	}
	if s.Active() {
		t.Error("store with only terminal tasks is active")
	}
	if got := s.Counts()[models.TaskStatusCancelled]; got != 2 {
		t.Errorf("Counts()[cancelled] = %d, want 2", got)
	}
}

// TestProperty_TerminalIsFinal drives random transitions and checks that a
// task which reaches a terminal status never leaves it.
func TestProperty_TerminalIsFinal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := New()
		if _, err := s.Submit(specs("a")); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}

		var terminal models.TaskStatus
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := range steps {
			from := rapid.SampledFrom(models.AllTaskStatuses).Draw(t, fmt.Sprintf("from_%d", i))
			to := rapid.SampledFrom(models.AllTaskStatuses).Draw(t, fmt.Sprintf("to_%d", i))
			before, _ := s.Get("a")

			after, err := s.Transition("a", []models.TaskStatus{from}, to, nil)
			if err == nil && before.Status != from {
				t.Fatalf("transition from %s succeeded while task was %s", from, before.Status)
			}
			if terminal != "" && after.Status != terminal {
				t.Fatalf("terminal task moved from %s to %s", terminal, after.Status)
			}
			if after.Status.IsTerminal() {
				terminal = after.Status
			}
		}
	})
}
