package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pipeflow/corepipe/recorder"
	"github.com/pipeflow/corepipe/telemetry"
	"github.com/pipeflow/corepipe/token"
)

// CoalescePolicy selects how a coalesce point decides when to merge
// (spec §4.9).
type CoalescePolicy string

const (
	PolicyRequireAll CoalescePolicy = "require_all"
	PolicyBestEffort CoalescePolicy = "best_effort"
	PolicyQuorum     CoalescePolicy = "quorum"
	PolicyFirst      CoalescePolicy = "first"
)

// MergeStrategy selects how arrived branch rows combine into one row.
type MergeStrategy string

const (
	MergeUnion              MergeStrategy = "union"
	MergeNested             MergeStrategy = "nested"
	MergeOverwriteByPrimary MergeStrategy = "overwrite_by_primary"
	MergeSelect             MergeStrategy = "select"
)

// CoalesceSettings configures one named coalesce point (spec §4.9).
type CoalesceSettings struct {
	Name             string        `yaml:"name"`
	RequiredBranches []string      `yaml:"required_branches"`
	Policy           CoalescePolicy `yaml:"policy"`
	Strategy         MergeStrategy  `yaml:"strategy"`
	SelectBranch     string         `yaml:"select_branch"`
	PrimaryBranch    string         `yaml:"primary_branch"`
	Timeout          time.Duration  `yaml:"timeout"`
	QuorumCount      int            `yaml:"quorum_count"`
}

// CoalesceResult is the uniform result of a coalesce submission or sweep.
// Exactly one of Merged, Failed, or (neither, meaning "still waiting") is
// true for a given Submit call.
type CoalesceResult struct {
	Merged      bool
	MergedToken recorder.Token
	JoinGroupID string
	ConsumedIDs []string

	Failed        bool
	FailureReason string
	LateArrival   bool
}

type coalesceGroup struct {
	rowID        string
	firstArrival time.Time
	arrivals     map[string]recorder.Token
	order        []string
	merged       bool
}

// CoalesceExecutor implements the Coalesce Executor (spec §4.9).
type CoalesceExecutor struct {
	tm  *token.Manager
	tel telemetry.Provider
	now func() time.Time

	mu       sync.Mutex
	settings map[string]CoalesceSettings
	groups   map[string]*coalesceGroup // key: name + "/" + rowID
}

// NewCoalesceExecutor constructs a CoalesceExecutor using tm to mint
// merged tokens.
func NewCoalesceExecutor(tm *token.Manager, tel telemetry.Provider, settings []CoalesceSettings) *CoalesceExecutor {
	byName := make(map[string]CoalesceSettings, len(settings))
	for _, s := range settings {
		byName[s.Name] = s
	}
	return &CoalesceExecutor{tm: tm, tel: tel, now: time.Now, settings: byName, groups: make(map[string]*coalesceGroup)}
}

// WithClock overrides the time source used for best_effort timeouts.
func (c *CoalesceExecutor) WithClock(now func() time.Time) *CoalesceExecutor {
	c.now = now
	return c
}

func groupKey(name, rowID string) string { return name + "/" + rowID }

// Submit presents one arrived branch token to the named coalesce point.
// The caller holds the token (no result) unless Submit reports Merged or
// Failed.
func (c *CoalesceExecutor) Submit(ctx context.Context, name string, tok recorder.Token, branch string) (CoalesceResult, error) {
	c.mu.Lock()
	settings, ok := c.settings[name]
	if !ok {
		c.mu.Unlock()
		return CoalesceResult{}, fmt.Errorf("coalesce point %q is not configured", name)
	}

	key := groupKey(name, tok.RowID)
	group := c.groups[key]
	if group == nil {
		group = &coalesceGroup{rowID: tok.RowID, firstArrival: c.now(), arrivals: make(map[string]recorder.Token)}
		c.groups[key] = group
	}

	if group.merged {
		c.mu.Unlock()
		return CoalesceResult{Failed: true, LateArrival: true, FailureReason: "late_arrival_after_merge"}, nil
	}

	group.arrivals[branch] = tok
	group.order = append(group.order, branch)

	ready, failNow, failReason := c.evaluateLocked(settings, group)
	if !ready && !failNow {
		c.mu.Unlock()
		return CoalesceResult{}, nil
	}
	if failNow {
		delete(c.groups, key)
		c.mu.Unlock()
		return CoalesceResult{Failed: true, FailureReason: failReason}, nil
	}
	group.merged = true
	c.mu.Unlock()

	return c.merge(ctx, settings, group)
}

// Sweep checks every open group for a named best_effort coalesce point and
// merges any whose timeout has elapsed, regardless of new arrivals — the
// same idle-sampling discipline the Aggregation Executor uses for its own
// timeout trigger.
func (c *CoalesceExecutor) Sweep(ctx context.Context, name string) ([]CoalesceResult, error) {
	settings, ok := c.settings[name]
	if !ok || settings.Policy != PolicyBestEffort || settings.Timeout <= 0 {
		return nil, nil
	}

	var expired []*coalesceGroup
	c.mu.Lock()
	for key, g := range c.groups {
		if g.merged {
			continue
		}
		if len(key) <= len(name) || key[:len(name)+1] != name+"/" {
			continue
		}
		if c.now().Sub(g.firstArrival) >= settings.Timeout {
			g.merged = true
			expired = append(expired, g)
		}
	}
	c.mu.Unlock()

	results := make([]CoalesceResult, 0, len(expired))
	for _, g := range expired {
		res, err := c.merge(ctx, settings, g)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// evaluateLocked decides whether group is ready to merge, should fail now
// (an unknown policy), or should keep waiting. A "select" strategy whose
// selected branch is absent is detected later, in merge. Must be called
// with c.mu held.
func (c *CoalesceExecutor) evaluateLocked(settings CoalesceSettings, group *coalesceGroup) (ready, failNow bool, reason string) {
	switch settings.Policy {
	case PolicyFirst:
		return true, false, ""
	case PolicyQuorum:
		if settings.QuorumCount > 0 && len(group.arrivals) >= settings.QuorumCount {
			return true, false, ""
		}
		return false, false, ""
	case PolicyRequireAll:
		for _, b := range settings.RequiredBranches {
			if _, ok := group.arrivals[b]; !ok {
				return false, false, ""
			}
		}
		return true, false, ""
	case PolicyBestEffort:
		// Merge decision for best_effort additionally happens via Sweep on
		// timeout; an immediate merge only if every required branch is
		// already in, letting fast-arriving groups avoid waiting out the
		// full timeout.
		if len(settings.RequiredBranches) > 0 {
			for _, b := range settings.RequiredBranches {
				if _, ok := group.arrivals[b]; !ok {
					return false, false, ""
				}
			}
			return true, false, ""
		}
		return false, false, ""
	default:
		return false, true, fmt.Sprintf("unknown coalesce policy %q", settings.Policy)
	}
}

func (c *CoalesceExecutor) merge(ctx context.Context, settings CoalesceSettings, group *coalesceGroup) (CoalesceResult, error) {
	if len(group.arrivals) == 0 {
		return CoalesceResult{Failed: true, FailureReason: "best_effort_timeout_no_arrivals"}, nil
	}

	if settings.Strategy == MergeSelect {
		selected, ok := group.arrivals[settings.SelectBranch]
		if !ok {
			return CoalesceResult{Failed: true, FailureReason: "select_branch_absent"}, nil
		}
		return c.finishMerge(ctx, settings, group, selected.RowData.Inline)
	}

	mergedData, err := c.mergeRows(settings, group)
	if err != nil {
		return CoalesceResult{}, err
	}
	return c.finishMerge(ctx, settings, group, mergedData)
}

func (c *CoalesceExecutor) mergeRows(settings CoalesceSettings, group *coalesceGroup) (json.RawMessage, error) {
	switch settings.Strategy {
	case MergeOverwriteByPrimary:
		out := map[string]any{}
		for _, branch := range group.order {
			var m map[string]any
			if err := json.Unmarshal(payloadBytes(group.arrivals[branch].RowData), &m); err != nil {
				return nil, fmt.Errorf("decode branch %q row: %w", branch, err)
			}
			for k, v := range m {
				if branch == settings.PrimaryBranch {
					out[k] = v
				} else if _, exists := out[k]; !exists {
					out[k] = v
				}
			}
		}
		return json.Marshal(out)

	case MergeNested:
		out := map[string]json.RawMessage{}
		for branch, tok := range group.arrivals {
			out[branch] = payloadBytes(tok.RowData)
		}
		return json.Marshal(out)

	case MergeUnion, "":
		out := map[string]any{}
		for _, branch := range group.order {
			var m map[string]any
			if err := json.Unmarshal(payloadBytes(group.arrivals[branch].RowData), &m); err != nil {
				return nil, fmt.Errorf("decode branch %q row: %w", branch, err)
			}
			for k, v := range m {
				out[k] = v
			}
		}
		return json.Marshal(out)

	default:
		return nil, fmt.Errorf("unknown merge strategy %q", settings.Strategy)
	}
}

func (c *CoalesceExecutor) finishMerge(ctx context.Context, _ CoalesceSettings, group *coalesceGroup, mergedData json.RawMessage) (CoalesceResult, error) {
	parents := make([]recorder.Token, 0, len(group.arrivals))
	consumedIDs := make([]string, 0, len(group.arrivals))
	for _, branch := range group.order {
		tok := group.arrivals[branch]
		parents = append(parents, tok)
		consumedIDs = append(consumedIDs, tok.TokenID)
	}

	merged, joinGroupID, err := c.tm.CoalesceTokens(ctx, parents, group.rowID, mergedData)
	if err != nil {
		return CoalesceResult{}, fmt.Errorf("coalesce tokens: %w", err)
	}
	c.tel.Met.IncCounter("coalesce.merged", 1)
	return CoalesceResult{Merged: true, MergedToken: merged, JoinGroupID: joinGroupID, ConsumedIDs: consumedIDs}, nil
}
