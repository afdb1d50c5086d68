package answer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/backend/internal/llm"
	"github.com/labmesh/backend/internal/retrieval"
	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/pkg/config"
)

type fakeRetriever struct {
	result *retrieval.Result
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, projectIDs, pinnedChunkIDs []string) (*retrieval.Result, error) {
	return f.result, nil
}

type fakeStore struct {
	fileChunks map[string][]models.SearchChunk
	logs       []models.RAGLog
}

func (f *fakeStore) GetFileChunksOrdered(fileID string) ([]models.SearchChunk, error) {
	return f.fileChunks[fileID], nil
}

func (f *fakeStore) GetSectionChunks(fileID string) ([]models.SearchChunk, error) {
	return nil, nil
}

func (f *fakeStore) InsertRAGLog(l *models.RAGLog) error {
	f.logs = append(f.logs, *l)
	return nil
}

type fakeInference struct {
	answer      string
	planPayload string
	prompts     []string
}

func (f *fakeInference) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.prompts = append(f.prompts, req.UserPrompt)
	return &llm.CompletionResponse{
		Content: f.answer,
		Usage:   llm.Usage{TotalTokens: 200},
	}, nil
}

func (f *fakeInference) CompleteStructured(ctx context.Context, req llm.StructuredRequest, out interface{}) (*llm.Usage, error) {
	if f.planPayload == "" {
		return &llm.Usage{}, nil
	}
	if err := json.Unmarshal([]byte(f.planPayload), out); err != nil {
		return nil, err
	}
	return &llm.Usage{TotalTokens: 30}, nil
}

func (f *fakeInference) ModelFor(tier llm.Tier) string { return "test-model" }

func retrievedChunk(id, fileID, text string, score float64) retrieval.ScoredChunk {
	return retrieval.ScoredChunk{
		Chunk: models.SearchChunk{
			ID:         id,
			ProjectID:  "proj-1",
			SourceType: "project_file",
			SourceID:   fileID,
			Text:       text,
		},
		Score: score,
	}
}

func testPipeline(result *retrieval.Result, inference *fakeInference) (*Pipeline, *fakeStore) {
	store := &fakeStore{fileChunks: map[string][]models.SearchChunk{}}
	cfg := config.RetrievalConfig{TopK: 15, DeepReadFiles: 2, DeepReadChars: 4000}
	return NewPipeline(&fakeRetriever{result: result}, store, inference, cfg), store
}

func TestAnswerInsufficientWhenNothingRetrieved(t *testing.T) {
	inference := &fakeInference{answer: "should never be used"}
	pipeline, store := testPipeline(&retrieval.Result{Mode: retrieval.ModeNone}, inference)

	resp, err := pipeline.Answer(context.Background(), Request{Query: "porosity?", UserID: "u1"})

	require.NoError(t, err)
	assert.Equal(t, insufficientAnswer, resp.Answer)
	assert.False(t, resp.Grounded)
	assert.Empty(t, inference.prompts, "no synthesis without evidence")
	require.Len(t, store.logs, 1, "unanswerable queries are still logged")
	assert.False(t, store.logs[0].Grounded)
}

func TestAnswerSynthesizesWithCitations(t *testing.T) {
	result := &retrieval.Result{
		Mode: retrieval.ModeHybrid,
		Chunks: []retrieval.ScoredChunk{
			retrievedChunk("c1", "file-1", "The flexural strength was 32.5 MPa.", 0.9),
		},
	}
	inference := &fakeInference{answer: "The strength reached 32.5 MPa [1]."}
	pipeline, store := testPipeline(result, inference)

	resp, err := pipeline.Answer(context.Background(), Request{Query: "what strength?", UserID: "u1"})

	require.NoError(t, err)
	assert.True(t, resp.Grounded)
	assert.False(t, resp.CaveatAdded, "source-backed numbers need no caveat")
	assert.Equal(t, retrieval.ModeHybrid, resp.Mode)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, 1, resp.Citations[0].Index)
	assert.Equal(t, "file-1", resp.Citations[0].FileID)
	require.Len(t, store.logs, 1)
	assert.Equal(t, "test-model", store.logs[0].Model)
	assert.Equal(t, []string{"c1"}, store.logs[0].ChunkIDs)
	assert.Equal(t, []float64{0.9}, store.logs[0].Scores, "retrieval scores are logged alongside chunk ids")
}

func TestAnswerAppendsCaveatForUntracedNumbers(t *testing.T) {
	result := &retrieval.Result{
		Mode: retrieval.ModeFullText,
		Chunks: []retrieval.ScoredChunk{
			retrievedChunk("c1", "file-1", "Qualitative observations only.", 0.9),
		},
	}
	inference := &fakeInference{answer: "Values were 42.7, 55.3, 61.8 and 77.1."}
	pipeline, _ := testPipeline(result, inference)

	resp, err := pipeline.Answer(context.Background(), Request{Query: "values?", UserID: "u1"})

	require.NoError(t, err)
	assert.True(t, resp.CaveatAdded)
	assert.Contains(t, resp.Answer, "could not be traced")
}

func TestAnswerDeepReadsPlannedFiles(t *testing.T) {
	result := &retrieval.Result{
		Mode: retrieval.ModeHybrid,
		Chunks: []retrieval.ScoredChunk{
			retrievedChunk("c1", "file-1", "excerpt one", 0.9),
			retrievedChunk("c2", "file-2", "excerpt two", 0.5),
		},
	}
	inference := &fakeInference{
		answer:      "Answer [1].",
		planPayload: `{"needs_deep_read": true, "deep_read_reason": "results span the whole document", "files_to_read": ["file-1", "file-9"], "focus": "strength values"}`,
	}
	pipeline, store := testPipeline(result, inference)
	store.fileChunks["file-1"] = []models.SearchChunk{
		{ID: "c1", SourceID: "file-1", Text: "full text of the first document"},
	}

	resp, err := pipeline.Answer(context.Background(), Request{Query: "strength?", UserID: "u1"})

	require.NoError(t, err)
	assert.Equal(t, 230, resp.TokensUsed, "plan and synthesis tokens both counted")
	require.Len(t, inference.prompts, 1)
	assert.Contains(t, inference.prompts[0], "full text of the first document")
	assert.Contains(t, inference.prompts[0], "strength values", "plan focus flows into synthesis")
	assert.NotContains(t, inference.prompts[0], "file-9", "ids the retrieval never surfaced are discarded")
}

func TestAnswerSkipsDeepReadWhenPlanDeclinesIt(t *testing.T) {
	result := &retrieval.Result{
		Mode: retrieval.ModeHybrid,
		Chunks: []retrieval.ScoredChunk{
			retrievedChunk("c1", "file-1", "excerpt one", 0.9),
		},
	}
	inference := &fakeInference{
		answer:      "Answer [1].",
		planPayload: `{"needs_deep_read": false, "files_to_read": ["file-1"]}`,
	}
	pipeline, store := testPipeline(result, inference)
	store.fileChunks["file-1"] = []models.SearchChunk{
		{ID: "c1", SourceID: "file-1", Text: "full text of the first document"},
	}

	_, err := pipeline.Answer(context.Background(), Request{Query: "strength?", UserID: "u1"})

	require.NoError(t, err)
	require.Len(t, inference.prompts, 1)
	assert.NotContains(t, inference.prompts[0], "full text of the first document",
		"the deep-read decision gates the file list")
}

func TestAnswerCarriesPlanReasoningIntoSynthesis(t *testing.T) {
	result := &retrieval.Result{
		Mode: retrieval.ModeHybrid,
		Chunks: []retrieval.ScoredChunk{
			retrievedChunk("c1", "file-1", "excerpt one", 0.9),
		},
	}
	inference := &fakeInference{
		answer: "Answer [1].",
		planPayload: `{
			"hypotheses": ["stiffness rises with filler content"],
			"comparison_axes": ["filler loading"],
			"trade_offs": ["stiffness against toughness"],
			"evidence_gaps": ["no impact data"],
			"needs_deep_read": false,
			"files_to_read": []
		}`,
	}
	pipeline, _ := testPipeline(result, inference)

	_, err := pipeline.Answer(context.Background(), Request{Query: "strength?", UserID: "u1"})

	require.NoError(t, err)
	require.Len(t, inference.prompts, 1)
	assert.Contains(t, inference.prompts[0], "stiffness rises with filler content")
	assert.Contains(t, inference.prompts[0], "filler loading")
	assert.Contains(t, inference.prompts[0], "stiffness against toughness")
	assert.Contains(t, inference.prompts[0], "no impact data")
}

func TestAnswerIncludesTrimmedHistory(t *testing.T) {
	result := &retrieval.Result{
		Mode:   retrieval.ModeFullText,
		Chunks: []retrieval.ScoredChunk{retrievedChunk("c1", "file-1", "excerpt", 0.9)},
	}
	inference := &fakeInference{answer: "Answer."}
	pipeline, _ := testPipeline(result, inference)

	history := make([]Turn, 0, 10)
	for i := 0; i < 9; i++ {
		history = append(history, Turn{Role: "user", Content: "old question"})
	}
	history = append(history, Turn{Role: "assistant", Content: "the most recent reply"})

	_, err := pipeline.Answer(context.Background(), Request{Query: "next?", UserID: "u1", History: history})

	require.NoError(t, err)
	require.Len(t, inference.prompts, 1)
	assert.Contains(t, inference.prompts[0], "the most recent reply")
}

func TestTrimHistory(t *testing.T) {
	history := make([]Turn, 10)
	for i := range history {
		history[i] = Turn{Role: "user", Content: string(rune('a' + i))}
	}

	trimmed := trimHistory(history)

	require.Len(t, trimmed, maxHistoryTurns)
	assert.Equal(t, "e", trimmed[0].Content, "oldest turns drop first")
}
