// Package processor implements the Row Processor (spec §4.7): the
// per-source-row state machine that walks a token through gates,
// aggregation points, ordinary transforms, and coalesce points, producing
// one RowResult per terminal token.
package processor

import (
	"github.com/pipeflow/corepipe/pluginapi"
	"github.com/pipeflow/corepipe/retry"
)

// StepKind discriminates how a pipeline step is driven.
type StepKind string

const (
	StepTransform   StepKind = "transform"
	StepPluginGate  StepKind = "plugin_gate"
	StepConfigGate  StepKind = "config_gate"
	StepAggregation StepKind = "aggregation"
)

// ConfigGateSpec names the label-producing expression a config gate
// evaluates, reusing the same shape the Gate Executor's ConfigGateSpec
// expects (kept separate here since pipeline.go must not import
// executor-internal state across step definitions until resolve time).
type ConfigGateSpec struct {
	NodeID      string
	BooleanExpr string
	LabelExpr   string
}

// CoalesceBinding ties a particular (step, branch_name) pair to a named
// coalesce point: a token finishing that step on that branch is submitted
// to the Coalesce Executor instead of continuing to the next step
// (spec §4.7 step 3, "after each step, check whether this token's
// branch_name is mapped to a coalesce point at this step").
type CoalesceBinding struct {
	AfterStep    int
	Branch       string
	CoalesceName string
}

// Step describes one position in the pipeline's step sequence. Exactly one
// of the Transform/PluginGate/ConfigGate fields is populated, matching
// Kind; a StepAggregation step uses Transform.
type Step struct {
	NodeID string
	Kind   StepKind

	Transform   pluginapi.Transform // StepTransform, StepAggregation
	PluginGate  pluginapi.Gate      // StepPluginGate
	ConfigGate  ConfigGateSpec      // StepConfigGate
	RetryConfig *retry.Config       // StepTransform only; nil means no retry manager configured
}

// Pipeline is the ordered step sequence plus coalesce bindings the Row
// Processor walks for every source row (spec §4.7).
type Pipeline struct {
	Steps            []Step
	CoalesceBindings []CoalesceBinding
	OutputSink       string
}

func (p Pipeline) coalesceNameFor(step int, branch string) (string, bool) {
	if branch == "" {
		return "", false
	}
	for _, b := range p.CoalesceBindings {
		if b.AfterStep == step && b.Branch == branch {
			return b.CoalesceName, true
		}
	}
	return "", false
}
