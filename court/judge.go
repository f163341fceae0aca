package court

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Judge is the polymorphic evaluator contract (spec.md §4.4 "Panel"). An
// implementation might call an LLM, a scripted oracle, or a human review
// queue; the panel only depends on this interface.
type Judge interface {
	JudgeID() string
	Evaluate(ctx context.Context, dc DisputeContext) (Vote, error)
}

// Panel runs a configured set of judges concurrently and folds their votes
// into a single ruling. Panel size must be odd and >= 1 so the median is a
// unique integer (spec.md §4.4 "Panel", validated at construction).
type Panel struct {
	judges      []Judge
	concurrency int
}

// ErrEvenPanelSize is returned by NewPanel for an even-sized judge list.
var ErrEvenPanelSize = fmt.Errorf("court: panel size must be odd")

func NewPanel(judges []Judge, concurrency int) (*Panel, error) {
	if len(judges) == 0 || len(judges)%2 == 0 {
		return nil, ErrEvenPanelSize
	}
	if concurrency <= 0 {
		concurrency = len(judges)
	}
	return &Panel{judges: judges, concurrency: concurrency}, nil
}

func (p *Panel) Size() int { return len(p.judges) }

// ErrJudgeUnavailable wraps any judge that failed irrecoverably; the whole
// ruling is aborted and the dispute reverts to rebuttal_pending (spec.md
// §4.4 "Ruling algorithm" step 3).
var ErrJudgeUnavailable = fmt.Errorf("court: a judge failed to return a ruling")

// Rule invokes every judge concurrently (bounded via errgroup.SetLimit),
// normalizes each vote, and returns them in judge order.
func (p *Panel) Rule(ctx context.Context, dc DisputeContext) ([]Vote, error) {
	votes := make([]Vote, len(p.judges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, j := range p.judges {
		i, j := i, j
		g.Go(func() error {
			v, err := j.Evaluate(gctx, dc)
			if err != nil {
				return fmt.Errorf("%w: judge %q: %w", ErrJudgeUnavailable, j.JudgeID(), err)
			}
			votes[i] = normalizeVote(v, j.JudgeID(), i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return votes, nil
}

// normalizeVote clamps worker_pct, fills a placeholder reasoning, and
// assigns a fallback judge id, per spec.md §4.4 "Votes are normalized".
func normalizeVote(v Vote, fallbackJudgeID string, index int) Vote {
	if v.JudgeID == "" {
		v.JudgeID = fallbackJudgeID
	}
	if v.JudgeID == "" {
		v.JudgeID = fmt.Sprintf("judge-%d", index)
	}
	if v.WorkerPct < 0 {
		v.WorkerPct = 0
	}
	if v.WorkerPct > 100 {
		v.WorkerPct = 100
	}
	if v.Reasoning == "" {
		v.Reasoning = "(no reasoning provided)"
	}
	if v.VotedAt.IsZero() {
		v.VotedAt = time.Now()
	}
	return v
}

// medianWorkerPct computes the median of the panel's worker_pct votes. An
// odd-sized panel guarantees a unique middle element.
func medianWorkerPct(votes []Vote) int {
	pcts := make([]int, len(votes))
	for i, v := range votes {
		pcts[i] = v.WorkerPct
	}
	sort.Ints(pcts)
	return pcts[len(pcts)/2]
}

// concatenateReasonings joins every vote's reasoning with a blank-line
// separator to form the dispute's ruling_summary (spec.md §4.4 step 5).
func concatenateReasonings(votes []Vote) string {
	summary := ""
	for i, v := range votes {
		if i > 0 {
			summary += "\n\n"
		}
		summary += v.Reasoning
	}
	return summary
}
