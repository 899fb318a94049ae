package dagbag

import (
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/kination/windsock/api/v1"
)

var (
	// ErrInvalidDag is wrapped by every validation failure
	ErrInvalidDag = errors.New("invalid dag")
	// ErrCycle is returned when task dependencies form a cycle
	ErrCycle = errors.New("dependency cycle")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// dagVersionNamespace seeds the name-based UUIDs used as DAG version ids
var dagVersionNamespace = uuid.MustParse("7b7f1c4e-2f0a-5a55-9c3e-0d6c1f9e4a10")

// Prepare fills defaults, validates the DAG and computes effective priority weights.
func Prepare(dag *v1.Dag) error {
	if dag.DagID == "" {
		return fmt.Errorf("%w: dag_id is required", ErrInvalidDag)
	}
	if !idPattern.MatchString(dag.DagID) {
		return fmt.Errorf("%w: dag_id %q may only contain letters, digits, '_', '.' and '-'", ErrInvalidDag, dag.DagID)
	}
	if len(dag.Spec.Tasks) == 0 {
		return fmt.Errorf("%w: %s has no tasks", ErrInvalidDag, dag.DagID)
	}
	if _, err := ParseSchedule(dag.Spec.Schedule); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDag, dag.DagID, err)
	}
	if dag.Spec.MaxActiveTasks < 0 || dag.Spec.MaxActiveRuns < 0 {
		return fmt.Errorf("%w: %s: max active limits must not be negative", ErrInvalidDag, dag.DagID)
	}
	for _, cb := range []*v1.CallbackRef{dag.Spec.OnSuccessCallback, dag.Spec.OnFailureCallback} {
		if cb != nil && cb.Path == "" {
			return fmt.Errorf("%w: %s: callback path is required", ErrInvalidDag, dag.DagID)
		}
	}

	seen := make(map[string]bool, len(dag.Spec.Tasks))
	for i := range dag.Spec.Tasks {
		task := dag.Spec.Tasks[i].WithDefaults()
		if err := validateTask(&task); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDag, dag.DagID, err)
		}
		if seen[task.Name] {
			return fmt.Errorf("%w: %s: duplicate task %q", ErrInvalidDag, dag.DagID, task.Name)
		}
		seen[task.Name] = true
		task.Dependencies = dedupe(task.Dependencies)
		dag.Spec.Tasks[i] = task
	}
	for _, task := range dag.Spec.Tasks {
		for _, dep := range task.Dependencies {
			if dep == task.Name {
				return fmt.Errorf("%w: %s: task %q depends on itself", ErrCycle, dag.DagID, task.Name)
			}
			if !seen[dep] {
				return fmt.Errorf("%w: %s: task %q depends on unknown task %q", ErrInvalidDag, dag.DagID, task.Name, dep)
			}
		}
	}

	if _, err := TopologicalSort(dag); err != nil {
		return err
	}
	applyPriorityWeights(dag)

	dag.VersionID = versionID(dag)
	return nil
}

func validateTask(task *v1.TaskSpec) error {
	if task.Name == "" {
		return errors.New("task name is required")
	}
	if !idPattern.MatchString(task.Name) {
		return fmt.Errorf("task name %q may only contain letters, digits, '_', '.' and '-'", task.Name)
	}
	switch task.Type {
	case v1.TaskTypeBash:
		if task.Command == "" {
			return fmt.Errorf("bash task %q has no command", task.Name)
		}
	case v1.TaskTypePython:
		if task.Script == "" {
			return fmt.Errorf("python task %q has no script", task.Name)
		}
	case v1.TaskTypeGo:
	default:
		return fmt.Errorf("task %q has unknown type %q", task.Name, task.Type)
	}
	switch task.TriggerRule {
	case v1.TriggerAllSuccess, v1.TriggerAllFailed, v1.TriggerAllDone, v1.TriggerOneSuccess,
		v1.TriggerOneFailed, v1.TriggerNoneFailed, v1.TriggerNoneSkipped, v1.TriggerAlways:
	default:
		return fmt.Errorf("task %q has unknown trigger rule %q", task.Name, task.TriggerRule)
	}
	switch task.WeightRule {
	case v1.WeightDownstream, v1.WeightUpstream, v1.WeightAbsolute:
	default:
		return fmt.Errorf("task %q has unknown weight rule %q", task.Name, task.WeightRule)
	}
	if task.Retries < 0 {
		return fmt.Errorf("task %q has negative retries", task.Name)
	}
	if task.PoolSlots < 1 {
		return fmt.Errorf("task %q must use at least one pool slot", task.Name)
	}
	if task.ExecutionTimeout < 0 || task.MaxRetryDelay < 0 || task.RetryDelay < 0 {
		return fmt.Errorf("task %q has a negative duration", task.Name)
	}
	return nil
}

// TopologicalSort returns task names so that every task follows its dependencies.
// Ties keep declaration order.
func TopologicalSort(dag *v1.Dag) ([]string, error) {
	indegree := make(map[string]int, len(dag.Spec.Tasks))
	for _, t := range dag.Spec.Tasks {
		indegree[t.Name] = len(t.Dependencies)
	}

	var ready, order []string
	for _, t := range dag.Spec.Tasks {
		if indegree[t.Name] == 0 {
			ready = append(ready, t.Name)
		}
	}
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, down := range dag.Downstream(name) {
			indegree[down]--
			if indegree[down] == 0 {
				ready = append(ready, down)
			}
		}
	}

	if len(order) != len(dag.Spec.Tasks) {
		var stuck []string
		for _, t := range dag.Spec.Tasks {
			if indegree[t.Name] > 0 {
				stuck = append(stuck, t.Name)
			}
		}
		return nil, fmt.Errorf("%w: %s: between tasks %s", ErrCycle, dag.DagID, strings.Join(stuck, ", "))
	}
	return order, nil
}

// applyPriorityWeights sets each task's total weight:
// downstream adds every transitive downstream weight, upstream every
// transitive upstream weight, absolute keeps its own.
func applyPriorityWeights(dag *v1.Dag) {
	own := make(map[string]int, len(dag.Spec.Tasks))
	for _, t := range dag.Spec.Tasks {
		own[t.Name] = t.PriorityWeight
	}

	upstream := func(name string) []string {
		t, _ := dag.Task(name)
		return t.Dependencies
	}
	downstream := dag.Downstream

	for i := range dag.Spec.Tasks {
		t := &dag.Spec.Tasks[i]
		var related []string
		switch t.WeightRule {
		case v1.WeightDownstream:
			related = reachable(t.Name, downstream)
		case v1.WeightUpstream:
			related = reachable(t.Name, upstream)
		}
		total := own[t.Name]
		for _, r := range related {
			total += own[r]
		}
		t.WeightTotal = total
	}
}

// reachable returns every task reachable from name through next, excluding name.
func reachable(name string, next func(string) []string) []string {
	seen := map[string]bool{name: true}
	stack := slices.Clone(next(name))
	var out []string
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		stack = append(stack, next(n)...)
	}
	return out
}

func dedupe(names []string) []string {
	if len(names) == 0 {
		return names
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

func versionID(dag *v1.Dag) uuid.UUID {
	spec, _ := json.Marshal(dag.Spec)
	h := sha1.New()
	h.Write([]byte(dag.DagID))
	h.Write(spec)
	return uuid.NewSHA1(dagVersionNamespace, h.Sum(nil))
}

// ParseSchedule reads "@every <duration>". An empty schedule means manual runs only
// and yields a zero interval.
func ParseSchedule(schedule string) (time.Duration, error) {
	if schedule == "" {
		return 0, nil
	}
	rest, ok := strings.CutPrefix(schedule, "@every ")
	if !ok {
		return 0, fmt.Errorf("unsupported schedule %q, want \"@every <duration>\"", schedule)
	}
	d, err := time.ParseDuration(strings.TrimSpace(rest))
	if err != nil {
		return 0, fmt.Errorf("bad schedule interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive, got %s", d)
	}
	return d, nil
}
