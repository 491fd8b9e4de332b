package gateexpr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateBoolComparison(t *testing.T) {
	row := map[string]any{"amount": 150.0}
	b, err := EvaluateBool(context.Background(), "amount > 100", row)
	require.NoError(t, err)
	assert.True(t, b)
}

func TestEvaluateLabelStringField(t *testing.T) {
	row := map[string]any{"region": "eu"}
	label, err := EvaluateLabel(context.Background(), "region", row)
	require.NoError(t, err)
	assert.Equal(t, "eu", label)
}

func TestEvaluateBoolRejectsNonBooleanResult(t *testing.T) {
	row := map[string]any{"region": "eu"}
	_, err := EvaluateBool(context.Background(), "region", row)
	assert.ErrorIs(t, err, ErrNonBooleanResult)
}

func TestEvaluateRejectsMalformedExpression(t *testing.T) {
	_, err := Evaluate(context.Background(), "amount >", map[string]any{})
	assert.Error(t, err)
}
