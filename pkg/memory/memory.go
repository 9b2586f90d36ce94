// Package memory is the three-tier outcome store: working facts (open
// assignments), episodic task outcomes, and the derived per-agent semantic
// profiles. Predictions are pure functions over these tiers.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/persistence"
)

// Preference decay for exponentially-weighted recency of same-label
// completions. Each older completion counts for less.
const preferenceDecay = 0.8

// Store holds the memory tiers. Episodic and semantic tiers mirror into KV;
// the working tier is rebuilt from the assignments collection on startup.
type Store struct {
	mu       sync.RWMutex
	kv       persistence.KV
	open     map[string]domain.Assignment  // task_id -> active assignment
	outcomes []domain.Outcome              // chronological
	profiles map[string]*domain.AgentProfile
}

// New creates a store over kv and loads persisted outcomes, profiles, and
// open assignments.
func New(kv persistence.KV) (*Store, error) {
	s := &Store{
		kv:       kv,
		open:     make(map[string]domain.Assignment),
		profiles: make(map[string]*domain.AgentProfile),
	}

	keys, err := kv.Scan(persistence.CollectionTaskOutcome, "")
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		var o domain.Outcome
		if found, err := kv.Get(persistence.CollectionTaskOutcome, key, &o); err == nil && found {
			s.outcomes = append(s.outcomes, o)
		}
	}
	sort.Slice(s.outcomes, func(i, j int) bool {
		return s.outcomes[i].RecordedAt.Before(s.outcomes[j].RecordedAt)
	})

	keys, err = kv.Scan(persistence.CollectionAgentProfile, "")
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		var p domain.AgentProfile
		if found, err := kv.Get(persistence.CollectionAgentProfile, key, &p); err == nil && found {
			s.profiles[p.AgentID] = &p
		}
	}

	keys, err = kv.Scan(persistence.CollectionAssignments, "")
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		var a domain.Assignment
		if found, err := kv.Get(persistence.CollectionAssignments, key, &a); err == nil && found {
			if a.State == domain.AssignmentActive {
				s.open[a.TaskID] = a
			}
		}
	}

	logger.InfoCF("memory", "store loaded", map[string]interface{}{
		"outcomes": len(s.outcomes),
		"profiles": len(s.profiles),
		"open":     len(s.open),
	})
	return s, nil
}

// ---------------------------------------------------------------------------
// Working tier
// ---------------------------------------------------------------------------

// TrackAssignment records or updates an open assignment.
func (s *Store) TrackAssignment(a domain.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.State == domain.AssignmentActive {
		s.open[a.TaskID] = a
	} else {
		delete(s.open, a.TaskID)
	}
	return s.kv.Put(persistence.CollectionAssignments, a.TaskID, a)
}

// OpenAssignment returns the active assignment for a task, if any.
func (s *Store) OpenAssignment(taskID string) (domain.Assignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.open[taskID]
	return a, ok
}

// OpenAssignments returns all active assignments, sorted by task id.
func (s *Store) OpenAssignments() []domain.Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Assignment, 0, len(s.open))
	for _, a := range s.open {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// AgentOpenCount returns how many active assignments an agent holds.
func (s *Store) AgentOpenCount(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.open {
		if a.AgentID == agentID {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Episodic and semantic tiers
// ---------------------------------------------------------------------------

// RecordOutcome appends an episodic record and refreshes the agent's
// semantic profile.
func (s *Store) RecordOutcome(o domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	s.outcomes = append(s.outcomes, o)
	key := fmt.Sprintf("%s:%s", o.ProjectID, o.TaskID)
	if err := s.kv.Put(persistence.CollectionTaskOutcome, key, o); err != nil {
		return err
	}

	profile := s.rebuildProfileLocked(o.AgentID)
	s.profiles[o.AgentID] = profile
	return s.kv.Put(persistence.CollectionAgentProfile, o.AgentID, profile)
}

// Profile returns the derived profile for an agent, or an empty one.
func (s *Store) Profile(agentID string) domain.AgentProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.profiles[agentID]; ok {
		return *p
	}
	return domain.AgentProfile{AgentID: agentID}
}

func (s *Store) rebuildProfileLocked(agentID string) *domain.AgentProfile {
	p := &domain.AgentProfile{
		AgentID:             agentID,
		AvgDurationByLabel:  make(map[string]float64),
		BlockageRateByLabel: make(map[string]float64),
	}

	durSum := make(map[string]float64)
	durN := make(map[string]int)
	blockedN := make(map[string]int)
	labelN := make(map[string]int)
	var ratioSum float64
	var ratioN int

	for _, o := range s.outcomes {
		if o.AgentID != agentID {
			continue
		}
		p.SampleCount++
		if o.Result == domain.OutcomeSuccess {
			p.CompletedCount++
			if o.PlannedHours > 0 && o.ActualHours > 0 {
				ratio := o.ActualHours / o.PlannedHours
				if ratio > 2 {
					ratio = 2
				}
				ratioSum += ratio
				ratioN++
			}
		}
		for _, label := range o.Labels {
			labelN[label]++
			if o.Result == domain.OutcomeBlocked {
				blockedN[label]++
			}
			if o.Result == domain.OutcomeSuccess && o.ActualHours > 0 {
				durSum[label] += o.ActualHours
				durN[label]++
			}
		}
	}

	if ratioN > 0 {
		p.EstimationAccuracy = ratioSum / float64(ratioN)
	} else {
		p.EstimationAccuracy = 1.0
	}
	for label, n := range durN {
		p.AvgDurationByLabel[label] = durSum[label] / float64(n)
	}
	for label, n := range labelN {
		p.BlockageRateByLabel[label] = float64(blockedN[label]) / float64(n)
	}

	p.ImprovingLabels, p.StrugglingLabels = s.trendsLocked(agentID)
	return p
}

// trendsLocked splits an agent's labels into improving and struggling by
// comparing recent-half success rate against the older half.
func (s *Store) trendsLocked(agentID string) (improving, struggling []string) {
	type tally struct{ oldOK, oldN, newOK, newN int }
	byLabel := make(map[string]*tally)

	var mine []domain.Outcome
	for _, o := range s.outcomes {
		if o.AgentID == agentID {
			mine = append(mine, o)
		}
	}
	half := len(mine) / 2
	for i, o := range mine {
		for _, label := range o.Labels {
			t := byLabel[label]
			if t == nil {
				t = &tally{}
				byLabel[label] = t
			}
			ok := 0
			if o.Result == domain.OutcomeSuccess {
				ok = 1
			}
			if i < half {
				t.oldN++
				t.oldOK += ok
			} else {
				t.newN++
				t.newOK += ok
			}
		}
	}

	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		t := byLabel[label]
		if t.newN == 0 {
			continue
		}
		newRate := float64(t.newOK) / float64(t.newN)
		oldRate := 0.5
		if t.oldN > 0 {
			oldRate = float64(t.oldOK) / float64(t.oldN)
		}
		switch {
		case newRate > oldRate+0.1:
			improving = append(improving, label)
		case newRate < 0.5 && newRate <= oldRate:
			struggling = append(struggling, label)
		}
	}
	return improving, struggling
}

// ---------------------------------------------------------------------------
// Predictions
// ---------------------------------------------------------------------------

// Confidence maps sample size to [0.2, 1.0]: priors only at n=0, full
// confidence from ten samples up.
func Confidence(n int) float64 {
	if n <= 0 {
		return 0.2
	}
	c := float64(n) / 10
	if c > 1 {
		c = 1
	}
	if c < 0.2 {
		c = 0.2
	}
	return c
}

// DurationPrediction is the expected time to complete a task, with a
// confidence interval that widens as samples shrink.
type DurationPrediction struct {
	ExpectedH  float64  `json:"expected_h"`
	CILow      float64  `json:"ci_low"`
	CIHigh     float64  `json:"ci_high"`
	Factors    []string `json:"factors,omitempty"`
	Confidence float64  `json:"confidence"`
}

// PredictDuration estimates completion time from the task estimate, the
// agent's estimation accuracy, and same-label history.
func (s *Store) PredictDuration(agentID string, task domain.Task) DurationPrediction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	baseline := task.EstimatedHours
	if baseline <= 0 {
		baseline = 4.0 // prior for unestimated tasks
	}
	pred := DurationPrediction{ExpectedH: baseline}

	samples := 0
	if p, ok := s.profiles[agentID]; ok && p.SampleCount > 0 {
		pred.ExpectedH *= p.EstimationAccuracy
		pred.Factors = append(pred.Factors,
			fmt.Sprintf("estimation accuracy %.2f over %d outcomes", p.EstimationAccuracy, p.SampleCount))
		samples = p.SampleCount
	}

	// Same-label history across all agents nudges the estimate toward what
	// this kind of work actually took.
	var ratioSum float64
	var ratioN int
	for _, o := range s.outcomes {
		if o.Result != domain.OutcomeSuccess || o.PlannedHours <= 0 || o.ActualHours <= 0 {
			continue
		}
		if !sharesLabel(o.Labels, task.Labels) {
			continue
		}
		ratioSum += o.ActualHours / o.PlannedHours
		ratioN++
	}
	if ratioN > 0 {
		labelRatio := ratioSum / float64(ratioN)
		pred.ExpectedH = (pred.ExpectedH + baseline*labelRatio) / 2
		pred.Factors = append(pred.Factors,
			fmt.Sprintf("same-label actual/planned ratio %.2f over %d tasks", labelRatio, ratioN))
		if ratioN > samples {
			samples = ratioN
		}
	}

	pred.Confidence = Confidence(samples)
	spread := pred.ExpectedH * (1.1 - pred.Confidence)
	pred.CILow = pred.ExpectedH - spread
	if pred.CILow < 0 {
		pred.CILow = 0
	}
	pred.CIHigh = pred.ExpectedH + spread
	return pred
}

// BlockagePrediction is the risk a task gets blocked, broken down by
// category, with suggested preventive measures.
type BlockagePrediction struct {
	OverallRisk        float64            `json:"overall_risk"`
	ByCategory         map[string]float64 `json:"by_category"`
	PreventiveMeasures []string           `json:"preventive_measures,omitempty"`
	Confidence         float64            `json:"confidence"`
}

var riskKeywords = map[string]struct {
	category string
	boost    float64
	measure  string
}{
	"auth":      {"auth", 0.2, "confirm credential and token flows before starting"},
	"integrate": {"integration", 0.15, "stub the external service early and test against it"},
	"deploy":    {"integration", 0.1, "verify environment access and rollback path first"},
}

// PredictBlockage estimates blockage risk from label-specific history,
// risk keywords in the task text, and dependency blocker history.
func (s *Store) PredictBlockage(agentID string, task domain.Task, depHistory []domain.Outcome) BlockagePrediction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pred := BlockagePrediction{
		ByCategory: map[string]float64{
			"auth": 0, "integration": 0, "dependencies": 0, "unknown": 0,
		},
	}

	samples := 0
	if p, ok := s.profiles[agentID]; ok {
		var sum float64
		var n int
		for _, label := range task.Labels {
			if rate, ok := p.BlockageRateByLabel[label]; ok {
				sum += rate
				n++
			}
		}
		if n > 0 {
			base := sum / float64(n)
			pred.OverallRisk = base
			pred.ByCategory["unknown"] = base
			samples = p.SampleCount
		}
	}

	text := strings.ToLower(task.Name + " " + task.Description)
	for keyword, rk := range riskKeywords {
		if strings.Contains(text, keyword) || task.HasLabel(keyword) {
			pred.OverallRisk += rk.boost
			pred.ByCategory[rk.category] += rk.boost
			pred.PreventiveMeasures = append(pred.PreventiveMeasures, rk.measure)
		}
	}

	for _, o := range depHistory {
		if o.Result == domain.OutcomeBlocked {
			pred.OverallRisk += 0.15
			pred.ByCategory["dependencies"] += 0.15
			pred.PreventiveMeasures = append(pred.PreventiveMeasures,
				"review blockers hit on upstream tasks before starting")
			break
		}
	}

	if pred.OverallRisk > 1 {
		pred.OverallRisk = 1
	}
	sort.Strings(pred.PreventiveMeasures)
	pred.Confidence = Confidence(samples)
	return pred
}

// CascadeReport annotates a graph cascade with critical-path impact.
type CascadeReport struct {
	Delays               []graph.CascadeDelay `json:"delays,omitempty"`
	CriticalPathImpacted bool                 `json:"critical_path_impacted"`
	TotalDelayH          float64              `json:"total_delay_h"`
}

// CascadeEffects projects a delay on one task onto its downstream tasks.
// The critical path is taken to be impacted when the delayed task has the
// project's largest dependent fan-out.
func (s *Store) CascadeEffects(g *graph.Graph, projectID, taskID string, delayHours float64) CascadeReport {
	delays := g.Cascade(projectID, taskID, delayHours, 0.8)
	report := CascadeReport{Delays: delays}
	for _, d := range delays {
		report.TotalDelayH += d.EstimatedH
	}
	maxDeps := g.MaxDependents(projectID)
	report.CriticalPathImpacted = maxDeps > 0 && len(g.DependentsOf(projectID, taskID)) == maxDeps
	return report
}

// TrajectoryReport summarises where an agent is trending.
type TrajectoryReport struct {
	Improving       []string `json:"improving,omitempty"`
	Struggling      []string `json:"struggling,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Trajectory reports an agent's improving and struggling labels with
// routing recommendations.
func (s *Store) Trajectory(agentID string) TrajectoryReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := TrajectoryReport{}
	p, ok := s.profiles[agentID]
	if !ok {
		return report
	}
	report.Improving = append(report.Improving, p.ImprovingLabels...)
	report.Struggling = append(report.Struggling, p.StrugglingLabels...)
	for _, label := range p.ImprovingLabels {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("route more %s work to this agent", label))
	}
	for _, label := range p.StrugglingLabels {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("pair or review on %s tasks", label))
	}
	return report
}

// Preference is the exponentially-weighted recency of successful same-label
// completions by the agent, in [0, 1]. The most recent matching success
// carries full weight, each older one decays.
func (s *Store) Preference(agentID string, labels []string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	weight := 1.0
	score := 0.0
	norm := 0.0
	for i := len(s.outcomes) - 1; i >= 0; i-- {
		o := s.outcomes[i]
		if o.AgentID != agentID || o.Result != domain.OutcomeSuccess {
			continue
		}
		norm += weight
		if sharesLabel(o.Labels, labels) {
			score += weight
		}
		weight *= preferenceDecay
	}
	if norm == 0 {
		return 0
	}
	return score / norm
}

// OutcomesFor returns recorded outcomes for the given task ids.
func (s *Store) OutcomesFor(projectID string, taskIDs []string) []domain.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = true
	}
	var out []domain.Outcome
	for _, o := range s.outcomes {
		if o.ProjectID == projectID && want[o.TaskID] {
			out = append(out, o)
		}
	}
	return out
}

func sharesLabel(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
