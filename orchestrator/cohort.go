package orchestrator

import (
	"fmt"

	"github.com/pipeflow/corepipe/pluginapi"
	"github.com/pipeflow/corepipe/recorder"
)

// sinkCohorts accumulates RowProcessor output tokens per target sink until
// a cohort boundary is reached, matching spec §4.8's "writes are batched
// per target sink within a source-row cohort (the orchestrator decides
// cohort boundaries)".
type sinkCohorts struct {
	maxSize int
	known   map[string]bool
	pending map[string][]recorder.Token
}

func newSinkCohorts(sinks map[string]pluginapi.Sink, maxSize int) *sinkCohorts {
	known := make(map[string]bool, len(sinks))
	for name := range sinks {
		known[name] = true
	}
	return &sinkCohorts{maxSize: maxSize, known: known, pending: make(map[string][]recorder.Token)}
}

// add appends tok to sinkName's cohort, returning the cohort to flush (and
// clearing it) if the configured size has been reached. maxSize == 0 means
// the cohort only flushes when drainAll is called at run end.
func (c *sinkCohorts) add(sinkName string, tok recorder.Token) ([]recorder.Token, error) {
	if !c.known[sinkName] {
		return nil, fmt.Errorf("sink cohort: no sink plugin registered for target %q", sinkName)
	}
	c.pending[sinkName] = append(c.pending[sinkName], tok)
	if c.maxSize > 0 && len(c.pending[sinkName]) >= c.maxSize {
		flushed := c.pending[sinkName]
		c.pending[sinkName] = nil
		return flushed, nil
	}
	return nil, nil
}

// drainAll returns every sink's remaining cohort and clears it.
func (c *sinkCohorts) drainAll() map[string][]recorder.Token {
	out := c.pending
	c.pending = make(map[string][]recorder.Token)
	return out
}
