package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/internal/storage/sqlite"
	"github.com/labmesh/backend/pkg/config"
)

type fakeStore struct {
	chunksByID     map[string]models.SearchChunk
	ftsHits        []sqlite.ChunkHit
	ftsErr         error
	substringHits  []sqlite.ChunkHit
	substringCalls [][]string
	fileChunks     map[string][]models.SearchChunk
	experiments    []sqlite.ExperimentData
	pivots         []models.KnowledgeItem
	knowledgeItems map[string]models.KnowledgeItem
}

func (f *fakeStore) GetChunksByIDs(ids, projectIDs []string) ([]models.SearchChunk, error) {
	var out []models.SearchChunk
	for _, id := range ids {
		if ch, ok := f.chunksByID[id]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *fakeStore) FullTextSearch(terms, projectIDs []string, topK int) ([]sqlite.ChunkHit, error) {
	if f.ftsErr != nil {
		return nil, f.ftsErr
	}
	return f.ftsHits, nil
}

func (f *fakeStore) SubstringSearch(tokens, projectIDs []string, topK int) ([]sqlite.ChunkHit, error) {
	f.substringCalls = append(f.substringCalls, tokens)
	return f.substringHits, nil
}

func (f *fakeStore) GetFileChunksOrdered(fileID string) ([]models.SearchChunk, error) {
	return f.fileChunks[fileID], nil
}

func (f *fakeStore) SearchExperimentData(projectIDs, terms []string) ([]sqlite.ExperimentData, error) {
	return f.experiments, nil
}

func (f *fakeStore) SearchPivotInsights(projectIDs, terms []string, limit int) ([]models.KnowledgeItem, error) {
	return f.pivots, nil
}

func (f *fakeStore) GetKnowledgeItemsByIDs(ids []string) ([]models.KnowledgeItem, error) {
	var out []models.KnowledgeItem
	for _, id := range ids {
		if item, ok := f.knowledgeItems[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

type fakeVectors struct {
	hits []VectorHit
	err  error
}

func (f *fakeVectors) Search(ctx context.Context, vector []float32, projectIDs []string, topK int) ([]VectorHit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2}, nil
}

func chunk(id string, index int) models.SearchChunk {
	return models.SearchChunk{
		ID:         id,
		ProjectID:  "proj-1",
		SourceType: "project_file",
		SourceID:   "file-1",
		ChunkIndex: index,
		Text:       "chunk " + id,
	}
}

func testConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		TopK:           15,
		SemanticWeight: 0.65,
		LexicalWeight:  0.35,
	}
}

func TestRetrievePinnedBypassesChain(t *testing.T) {
	store := &fakeStore{chunksByID: map[string]models.SearchChunk{
		"c1": chunk("c1", 0),
	}}
	f := NewFusion(store, nil, nil, testConfig())

	result, err := f.Retrieve(context.Background(), "strength", []string{"proj-1"}, []string{"c1"})

	require.NoError(t, err)
	assert.Equal(t, ModePinned, result.Mode)
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, "c1", result.Chunks[0].Chunk.ID)
	assert.Empty(t, store.substringCalls, "pinned retrieval never touches the chain")
}

func TestRetrieveFullTextWhenNoVectorStore(t *testing.T) {
	store := &fakeStore{ftsHits: []sqlite.ChunkHit{
		{Chunk: chunk("c1", 0), Score: 4},
		{Chunk: chunk("c2", 1), Score: 2},
	}}
	f := NewFusion(store, nil, nil, testConfig())

	result, err := f.Retrieve(context.Background(), "flexural strength", []string{"proj-1"}, nil)

	require.NoError(t, err)
	assert.Equal(t, ModeFullText, result.Mode)
	require.Len(t, result.Chunks, 2)
	assert.InDelta(t, 1.0, result.Chunks[0].Score, 1e-9, "scores normalized against the best hit")
	assert.InDelta(t, 0.5, result.Chunks[1].Score, 1e-9)
}

func TestRetrieveDegradesToSubstring(t *testing.T) {
	store := &fakeStore{
		ftsErr:        sqlite.ErrFTSUnavailable,
		substringHits: []sqlite.ChunkHit{{Chunk: chunk("c1", 0), Score: 1}},
	}
	f := NewFusion(store, nil, nil, testConfig())

	result, err := f.Retrieve(context.Background(), "what was the flexural strength measured", []string{"proj-1"}, nil)

	require.NoError(t, err)
	assert.Equal(t, ModeSubstring, result.Mode)
	require.Len(t, result.Chunks, 1)
	require.Len(t, store.substringCalls, 1)
	assert.Contains(t, store.substringCalls[0], "flexural")
	assert.NotContains(t, store.substringCalls[0], "the", "stopwords never reach the LIKE stage")
}

func TestRetrieveNoneWhenEverythingEmpty(t *testing.T) {
	store := &fakeStore{ftsErr: sqlite.ErrFTSUnavailable}
	f := NewFusion(store, nil, nil, testConfig())

	result, err := f.Retrieve(context.Background(), "porosity", []string{"proj-1"}, nil)

	require.NoError(t, err)
	assert.Equal(t, ModeNone, result.Mode)
	assert.Empty(t, result.Chunks)
}

func TestHybridStageFusesRankings(t *testing.T) {
	store := &fakeStore{
		chunksByID: map[string]models.SearchChunk{
			"sem": chunk("sem", 3),
		},
		ftsHits: []sqlite.ChunkHit{
			{Chunk: chunk("both", 0), Score: 4},
			{Chunk: chunk("lex", 1), Score: 2},
		},
	}
	vectors := &fakeVectors{hits: []VectorHit{
		{ChunkID: "both", Score: 0.9},
		{ChunkID: "sem", Score: 0.8},
	}}
	f := NewFusion(store, vectors, &fakeEmbedder{}, testConfig())

	result, err := f.Retrieve(context.Background(), "flexural strength", []string{"proj-1"}, nil)

	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, result.Mode)
	require.Len(t, result.Chunks, 3)

	// The chunk present on both sides outranks single-side hits.
	assert.Equal(t, "both", result.Chunks[0].Chunk.ID)
	ids := []string{result.Chunks[1].Chunk.ID, result.Chunks[2].Chunk.ID}
	assert.Contains(t, ids, "sem", "vector-only chunks get resolved from the store")
	assert.Contains(t, ids, "lex")
}

func TestHybridDegradesWhenEmbeddingFails(t *testing.T) {
	store := &fakeStore{ftsHits: []sqlite.ChunkHit{{Chunk: chunk("c1", 0), Score: 1}}}
	f := NewFusion(store, &fakeVectors{}, &fakeEmbedder{err: errors.New("embedder down")}, testConfig())

	result, err := f.Retrieve(context.Background(), "strength", []string{"proj-1"}, nil)

	require.NoError(t, err)
	assert.Equal(t, ModeFullText, result.Mode, "embedding failure falls through to the lexical stage")
}

func TestHybridSurvivesVectorOutage(t *testing.T) {
	store := &fakeStore{ftsHits: []sqlite.ChunkHit{{Chunk: chunk("c1", 0), Score: 1}}}
	f := NewFusion(store, &fakeVectors{err: errors.New("timeout")}, &fakeEmbedder{}, testConfig())

	result, err := f.Retrieve(context.Background(), "strength", []string{"proj-1"}, nil)

	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, result.Mode, "lexical side alone still counts as hybrid")
	require.Len(t, result.Chunks, 1)
}

func TestNeighborChunksBracketTopHits(t *testing.T) {
	store := &fakeStore{
		ftsHits: []sqlite.ChunkHit{{Chunk: chunk("c2", 2), Score: 1}},
		fileChunks: map[string][]models.SearchChunk{
			"file-1": {chunk("c0", 0), chunk("c1", 1), chunk("c2", 2), chunk("c3", 3), chunk("c4", 4)},
		},
	}
	f := NewFusion(store, nil, nil, testConfig())

	result, err := f.Retrieve(context.Background(), "strength", []string{"proj-1"}, nil)

	require.NoError(t, err)
	require.Len(t, result.Neighbors, 2)
	ids := []string{result.Neighbors[0].ID, result.Neighbors[1].ID}
	assert.Contains(t, ids, "c1")
	assert.Contains(t, ids, "c3")
}

func TestPivotInsightsBringLinkedChunks(t *testing.T) {
	pivotChunk := models.SearchChunk{
		ID: "p0", ProjectID: "proj-1", SourceType: "project_file",
		SourceID: "file-7", ChunkIndex: 0, Text: "contradicting results section",
	}
	relatedChunk := models.SearchChunk{
		ID: "r0", ProjectID: "proj-1", SourceType: "project_file",
		SourceID: "file-8", ChunkIndex: 0, Text: "the earlier trial it conflicts with",
	}
	store := &fakeStore{
		ftsHits: []sqlite.ChunkHit{{Chunk: chunk("c1", 0), Score: 1}},
		pivots: []models.KnowledgeItem{{
			ID:             "k1",
			Category:       models.CategoryContradiction,
			Title:          "Strength conflict",
			FileID:         "file-7",
			RelatedItemIDs: []string{"k2"},
		}},
		knowledgeItems: map[string]models.KnowledgeItem{
			"k2": {ID: "k2", FileID: "file-8"},
		},
		fileChunks: map[string][]models.SearchChunk{
			"file-7": {pivotChunk},
			"file-8": {relatedChunk},
		},
	}
	f := NewFusion(store, nil, nil, testConfig())

	result, err := f.Retrieve(context.Background(), "strength conflict", []string{"proj-1"}, nil)

	require.NoError(t, err)
	var ids []string
	for _, ch := range result.Neighbors {
		ids = append(ids, ch.ID)
	}
	assert.Contains(t, ids, "p0", "the pivot's own document contributes context")
	assert.Contains(t, ids, "r0", "related items' documents contribute context")
}

func TestRetrieveGathersStructuredContext(t *testing.T) {
	store := &fakeStore{
		ftsHits: []sqlite.ChunkHit{{Chunk: chunk("c1", 0), Score: 1}},
		experiments: []sqlite.ExperimentData{{
			Experiment: models.Experiment{ID: "e1", Title: "Trial A"},
			Measurements: []models.Measurement{
				{Metric: "flexural_strength", UnitCanonical: "MPa", ValueCanonical: 28.1},
				{Metric: "flexural_strength", UnitCanonical: "MPa", ValueCanonical: 32.5},
			},
		}},
		pivots: []models.KnowledgeItem{{ID: "k1", Title: "Strength pivot"}},
	}
	f := NewFusion(store, nil, nil, testConfig())

	result, err := f.Retrieve(context.Background(), "flexural strength", []string{"proj-1"}, nil)

	require.NoError(t, err)
	require.Len(t, result.Aggregates, 1)
	agg := result.Aggregates[0]
	assert.Equal(t, "flexural_strength", agg.Metric)
	assert.Equal(t, 2, agg.N)
	assert.InDelta(t, 30.3, agg.Mean, 1e-9)
	require.Len(t, result.PivotInsights, 1)
}

func TestAggregateStatistics(t *testing.T) {
	experiments := []sqlite.ExperimentData{{
		Measurements: []models.Measurement{
			{Metric: "rf", UnitCanonical: "MPa", ValueCanonical: 30},
			{Metric: "rf", UnitCanonical: "MPa", ValueCanonical: 10},
			{Metric: "rf", UnitCanonical: "MPa", ValueCanonical: 20},
		},
	}}

	aggs := Aggregate(experiments)

	require.Len(t, aggs, 1)
	assert.Equal(t, 3, aggs[0].N)
	assert.InDelta(t, 10, aggs[0].Min, 1e-9)
	assert.InDelta(t, 30, aggs[0].Max, 1e-9)
	assert.InDelta(t, 20, aggs[0].Mean, 1e-9)
	assert.InDelta(t, 20, aggs[0].Median, 1e-9)
	assert.InDelta(t, 10, aggs[0].StdDev, 1e-9)
}

func TestTokenize(t *testing.T) {
	terms := Tokenize("What was the Flexural Strength of sample CP-01?")

	assert.Contains(t, terms, "flexural")
	assert.Contains(t, terms, "strength")
	assert.Contains(t, terms, "sample")
	assert.NotContains(t, terms, "the")
	assert.NotContains(t, terms, "was")
	assert.NotContains(t, terms, "of", "short tokens dropped")
}

func TestLongestTokens(t *testing.T) {
	out := longestTokens([]string{"abc", "abcdef", "abcd", "xyz"}, 2)

	assert.Equal(t, []string{"abcdef", "abcd"}, out)
}

type fakeEmbeddingCache struct {
	entries map[string][]float32
	sets    int
}

func (f *fakeEmbeddingCache) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	v, ok := f.entries[textHash]
	return v, ok, nil
}

func (f *fakeEmbeddingCache) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	f.entries[textHash] = embedding
	f.sets++
	return nil
}

type countingEmbedder struct{ calls int }

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return []float32{0.5}, nil
}

func TestCachedEmbedderReadThrough(t *testing.T) {
	inner := &countingEmbedder{}
	cache := &fakeEmbeddingCache{entries: map[string][]float32{}}
	embedder := NewCachedEmbedder(inner, cache)

	first, err := embedder.Embed(context.Background(), "flexural strength")
	require.NoError(t, err)
	second, err := embedder.Embed(context.Background(), "flexural strength")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls, "second lookup comes from the cache")
	assert.Equal(t, 1, cache.sets)
}
