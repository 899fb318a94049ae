package scheduler

import (
	"math"
	"time"

	v1 "github.com/kination/windsock/api/v1"
)

// decision is what the trigger rule makes of a task's upstream states
type decision int

const (
	decisionWait decision = iota
	decisionRun
	decisionSkip
	decisionUpstreamFailed
)

func (d decision) String() string {
	switch d {
	case decisionRun:
		return "run"
	case decisionSkip:
		return "skip"
	case decisionUpstreamFailed:
		return "upstream_failed"
	}
	return "wait"
}

// upstreamSummary counts the states of a task's direct upstream task instances.
// Removed upstreams are not counted.
type upstreamSummary struct {
	total          int
	success        int
	failed         int
	upstreamFailed int
	skipped        int
	done           int
}

func summarize(states []v1.TaskInstanceState) upstreamSummary {
	var s upstreamSummary
	for _, st := range states {
		if st == v1.StateRemoved {
			continue
		}
		s.total++
		switch st {
		case v1.StateSuccess:
			s.success++
		case v1.StateFailed:
			s.failed++
		case v1.StateUpstreamFailed:
			s.upstreamFailed++
		case v1.StateSkipped:
			s.skipped++
		}
		if st.Finished() {
			s.done++
		}
	}
	return s
}

// evaluate applies a trigger rule. Tasks without upstreams always run.
func evaluate(rule v1.TriggerRule, s upstreamSummary) decision {
	if s.total == 0 {
		return decisionRun
	}
	allDone := s.done == s.total
	anyFailed := s.failed+s.upstreamFailed > 0

	switch rule {
	case v1.TriggerAllSuccess, "":
		switch {
		case anyFailed:
			return decisionUpstreamFailed
		case s.skipped > 0:
			return decisionSkip
		case s.success == s.total:
			return decisionRun
		}
	case v1.TriggerAllFailed:
		switch {
		case s.success+s.skipped > 0:
			return decisionSkip
		case allDone:
			return decisionRun
		}
	case v1.TriggerAllDone:
		if allDone {
			return decisionRun
		}
	case v1.TriggerOneSuccess:
		switch {
		case s.success > 0:
			return decisionRun
		case allDone && anyFailed:
			return decisionUpstreamFailed
		case allDone:
			return decisionSkip
		}
	case v1.TriggerOneFailed:
		switch {
		case anyFailed:
			return decisionRun
		case allDone:
			return decisionSkip
		}
	case v1.TriggerNoneFailed:
		switch {
		case anyFailed:
			return decisionUpstreamFailed
		case allDone:
			return decisionRun
		}
	case v1.TriggerNoneSkipped:
		switch {
		case s.skipped > 0:
			return decisionSkip
		case allDone:
			return decisionRun
		}
	case v1.TriggerAlways:
		return decisionRun
	}
	return decisionWait
}

// retryDelay is how long the given failed try waits before the next one.
// With exponential backoff the delay doubles every try; MaxRetryDelay caps it.
func retryDelay(task *v1.TaskSpec, tryNumber int) time.Duration {
	delay := task.RetryDelay
	if delay <= 0 {
		delay = v1.DefaultRetryDelay
	}
	limit := task.MaxRetryDelay
	if task.RetryExponentialBackoff {
		for i := 1; i < tryNumber; i++ {
			if limit > 0 && delay >= limit {
				break
			}
			if delay > math.MaxInt64/2 {
				break
			}
			delay *= 2
		}
	}
	if limit > 0 && delay > limit {
		delay = limit
	}
	return delay
}
