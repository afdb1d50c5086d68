package extraction

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/backend/internal/llm"
	"github.com/labmesh/backend/internal/storage/models"
)

// fakeInference serves canned JSON for structured calls.
type fakeInference struct {
	structured     map[string]string // function name -> JSON payload
	structuredErr  error
	completeResult string
	calls          []string
}

func (f *fakeInference) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls = append(f.calls, "complete")
	return &llm.CompletionResponse{Content: f.completeResult}, nil
}

func (f *fakeInference) CompleteStructured(ctx context.Context, req llm.StructuredRequest, out interface{}) (*llm.Usage, error) {
	f.calls = append(f.calls, req.FunctionName)
	if f.structuredErr != nil {
		return nil, f.structuredErr
	}
	payload, ok := f.structured[req.FunctionName]
	if !ok {
		return &llm.Usage{}, nil
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return nil, err
	}
	return &llm.Usage{TotalTokens: 100}, nil
}

func TestVerifyMeasurement(t *testing.T) {
	assert.True(t, VerifyMeasurement(32.5, "MPa", "the flexural strength was 32.5 MPa"))
	assert.True(t, VerifyMeasurement(32.5, "MPa", "resistencia de 32,5 MPa"), "comma decimal form counts")
	assert.False(t, VerifyMeasurement(32.5, "", "value 32.5"), "empty unit rejected")
	assert.False(t, VerifyMeasurement(32.5, "MPa", "no numbers here"), "excerpt must contain the value")
	assert.False(t, VerifyMeasurement(32.5, "MPa", ""), "empty excerpt rejected")
}

func TestVerifyEvidenceTextual(t *testing.T) {
	source := "Introduction.\nThe composite showed improved stiffness after annealing at moderate temperatures."

	assert.True(t, VerifyEvidence("improved stiffness after annealing", source))
	assert.True(t, VerifyEvidence("THE COMPOSITE   showed improved", source), "matching is case and whitespace insensitive")
	assert.False(t, VerifyEvidence("the samples delaminated catastrophically", source))
	assert.False(t, VerifyEvidence("", source))
}

func TestVerifyEvidencePrefixFallback(t *testing.T) {
	source := "The composite showed improved stiffness after annealing at moderate temperatures"
	// Same opening, divergent tail: the 50-char normalized prefix still matches.
	evidence := "The composite showed improved stiffness after annealing at moderate levels only"
	assert.True(t, VerifyEvidence(evidence, source))
}

func TestVerifyEvidenceNumericTokens(t *testing.T) {
	source := "Samples: RF 32.5 MPa, RT 18.2 MPa, modulus 2.1 GPa."

	assert.True(t, VerifyEvidence("strength values of 32.5 and 18.2 were recorded", source))
	// 1 of 3 numbers present is below the 60% bar.
	assert.False(t, VerifyEvidence("values 32.5, 99.9 and 77.7", source))
}

func TestExtractFromTextGatesMeasurements(t *testing.T) {
	payload := `{
		"insights": [
			{"category": "result", "title": "Strength improved", "content": "RF rose with filler", "evidence": "flexural strength was 32.5 MPa", "confidence": 0.9},
			{"category": "bogus", "title": "Bad category", "content": "x", "evidence": "y", "confidence": 0.9},
			{"category": "observation", "title": "Unsupported claim", "content": "z", "evidence": "samples glowed in the dark", "confidence": 0.8}
		],
		"experiments": [
			{"title": "Trial A", "measurements": [
				{"metric": "RF", "value": 32.5, "unit": "MPa", "source_excerpt": "flexural strength was 32.5 MPa"},
				{"metric": "RT", "value": 99.9, "unit": "MPa", "source_excerpt": "no such number here"},
				{"metric": "E", "value": 2.1, "unit": "", "source_excerpt": "modulus 2.1 GPa"}
			]}
		]
	}`
	engine := NewEngine(&fakeInference{structured: map[string]string{"record_extraction": payload}})
	source := "The flexural strength was 32.5 MPa and the modulus 2.1 GPa."

	result, err := engine.ExtractFromText(context.Background(), source, nil)
	require.NoError(t, err)

	// Invalid category dropped; unverified-evidence insight kept but de-weighted.
	require.Len(t, result.Insights, 2)
	verified := result.Insights[0]
	assert.Equal(t, models.CategoryResult, verified.Category)
	assert.True(t, verified.EvidenceVerified)
	assert.InDelta(t, 0.9, verified.Confidence, 1e-9)

	flagged := result.Insights[1]
	assert.False(t, flagged.EvidenceVerified)
	assert.InDelta(t, 0.4, flagged.Confidence, 1e-9, "confidence halved when evidence unverified")

	require.Len(t, result.Experiments, 1)
	require.Len(t, result.Experiments[0].Measurements, 1, "only the gated measurement survives")
	assert.Equal(t, "RF", result.Experiments[0].Measurements[0].Metric)
	assert.Equal(t, 100, result.TokensUsed)
	assert.Equal(t, 3, result.GateDropped)
}

func TestGateInsightCapsUnverifiedConfidence(t *testing.T) {
	insight, ok := gateInsight(CandidateInsight{
		Category:   "finding",
		Title:      "High confidence, no evidence",
		Content:    "claim",
		Evidence:   "text that appears nowhere",
		Confidence: 1.0,
	}, "entirely different source material")
	require.True(t, ok)
	assert.False(t, insight.EvidenceVerified)
	assert.LessOrEqual(t, insight.Confidence, 0.5)
}
