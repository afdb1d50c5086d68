package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	prose "github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/internal/storage/sqlite"
	"github.com/labmesh/backend/pkg/config"
	"github.com/labmesh/backend/pkg/logger"
)

// Retrieval modes, recorded per query for observability.
const (
	ModeHybrid    = "hybrid"
	ModeFullText  = "fulltext"
	ModeSubstring = "substring"
	ModePinned    = "pinned"
	ModeNone      = "none"
)

// Store is the relational surface retrieval reads from.
type Store interface {
	GetChunksByIDs(ids, projectIDs []string) ([]models.SearchChunk, error)
	FullTextSearch(terms, projectIDs []string, topK int) ([]sqlite.ChunkHit, error)
	SubstringSearch(tokens, projectIDs []string, topK int) ([]sqlite.ChunkHit, error)
	GetFileChunksOrdered(fileID string) ([]models.SearchChunk, error)
	SearchExperimentData(projectIDs, terms []string) ([]sqlite.ExperimentData, error)
	SearchPivotInsights(projectIDs, terms []string, limit int) ([]models.KnowledgeItem, error)
	GetKnowledgeItemsByIDs(ids []string) ([]models.KnowledgeItem, error)
}

// VectorHit is a semantic match from the vector store.
type VectorHit struct {
	ChunkID string
	Score   float64
}

type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, projectIDs []string, topK int) ([]VectorHit, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type ScoredChunk struct {
	Chunk models.SearchChunk
	Score float64
}

type MetricAggregate struct {
	Metric string
	Unit   string
	N      int
	Min    float64
	Max    float64
	Mean   float64
	Median float64
	StdDev float64
}

// Result is everything the answer pipeline needs in one bundle: retrieved
// chunks, the mode that produced them, and the structured context gathered in
// parallel.
type Result struct {
	Chunks        []ScoredChunk
	Mode          string
	Experiments   []sqlite.ExperimentData
	Aggregates    []MetricAggregate
	PivotInsights []models.KnowledgeItem
	Neighbors     []models.SearchChunk
}

type Fusion struct {
	store    Store
	vectors  VectorSearcher
	embedder Embedder
	cfg      config.RetrievalConfig
}

func NewFusion(store Store, vectors VectorSearcher, embedder Embedder, cfg config.RetrievalConfig) *Fusion {
	return &Fusion{store: store, vectors: vectors, embedder: embedder, cfg: cfg}
}

// Retrieve runs the degradation chain: hybrid fusion, then full-text, then
// plain substring matching. The first stage that returns anything wins; later
// stages never run once a stage produces results. Pinned chunk IDs bypass the
// chain entirely.
func (f *Fusion) Retrieve(ctx context.Context, query string, projectIDs, pinnedChunkIDs []string) (*Result, error) {
	terms := Tokenize(query)
	result := &Result{Mode: ModeNone}

	if len(pinnedChunkIDs) > 0 {
		chunks, err := f.store.GetChunksByIDs(pinnedChunkIDs, projectIDs)
		if err != nil {
			return nil, err
		}
		for _, ch := range chunks {
			result.Chunks = append(result.Chunks, ScoredChunk{Chunk: ch, Score: 1})
		}
		result.Mode = ModePinned
	} else {
		chunks, mode := f.runChain(ctx, query, terms, projectIDs)
		result.Chunks = chunks
		result.Mode = mode
	}

	f.gatherStructuredContext(ctx, result, terms, projectIDs)

	seen := make(map[string]bool, len(result.Chunks))
	for _, sc := range result.Chunks {
		seen[sc.Chunk.ID] = true
	}
	result.Neighbors = f.neighborChunks(result.Chunks, seen)
	result.Neighbors = append(result.Neighbors, f.pivotLinkedChunks(result.PivotInsights, seen)...)
	return result, nil
}

func (f *Fusion) runChain(ctx context.Context, query string, terms, projectIDs []string) ([]ScoredChunk, string) {
	if chunks := f.hybridStage(ctx, query, terms, projectIDs); len(chunks) > 0 {
		return chunks, ModeHybrid
	}

	if hits, err := f.store.FullTextSearch(terms, projectIDs, f.cfg.TopK); err != nil {
		if err != sqlite.ErrFTSUnavailable {
			logger.Warn("Full-text stage failed", zap.Error(err))
		}
	} else if len(hits) > 0 {
		return normalizeHits(hits), ModeFullText
	}

	tokens := longestTokens(terms, 10)
	hits, err := f.store.SubstringSearch(tokens, projectIDs, f.cfg.TopK)
	if err != nil {
		logger.Warn("Substring stage failed", zap.Error(err))
		return nil, ModeNone
	}
	if len(hits) == 0 {
		return nil, ModeNone
	}
	return normalizeHits(hits), ModeSubstring
}

// hybridStage fuses semantic and lexical rankings. Either side failing or
// coming back empty degrades to whatever the other side found; both empty
// hands the query to the next stage.
func (f *Fusion) hybridStage(ctx context.Context, query string, terms, projectIDs []string) []ScoredChunk {
	if f.vectors == nil || f.embedder == nil {
		return nil
	}

	vector, err := f.embedder.Embed(ctx, query)
	if err != nil {
		logger.Warn("Query embedding failed, skipping semantic stage", zap.Error(err))
		return nil
	}

	semantic, err := f.vectors.Search(ctx, vector, projectIDs, f.cfg.TopK)
	if err != nil {
		logger.Warn("Vector search failed, skipping semantic stage", zap.Error(err))
		semantic = nil
	}

	lexical, err := f.store.FullTextSearch(terms, projectIDs, f.cfg.TopK)
	if err != nil && err != sqlite.ErrFTSUnavailable {
		logger.Warn("Lexical side of hybrid failed", zap.Error(err))
	}

	if len(semantic) == 0 && len(lexical) == 0 {
		return nil
	}

	fused := make(map[string]float64)
	for _, hit := range semantic {
		fused[hit.ChunkID] += f.cfg.SemanticWeight * hit.Score / maxVectorScore(semantic)
	}
	maxLex := maxHitScore(lexical)
	lexChunks := make(map[string]models.SearchChunk, len(lexical))
	for _, hit := range lexical {
		fused[hit.Chunk.ID] += f.cfg.LexicalWeight * hit.Score / maxLex
		lexChunks[hit.Chunk.ID] = hit.Chunk
	}

	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return fused[ids[i]] > fused[ids[j]] })
	if len(ids) > f.cfg.TopK {
		ids = ids[:f.cfg.TopK]
	}

	// Chunks the lexical side did not already carry are resolved in one read.
	var missing []string
	for _, id := range ids {
		if _, ok := lexChunks[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		resolved, err := f.store.GetChunksByIDs(missing, projectIDs)
		if err != nil {
			logger.Warn("Chunk resolution failed", zap.Error(err))
		}
		for _, ch := range resolved {
			lexChunks[ch.ID] = ch
		}
	}

	var out []ScoredChunk
	for _, id := range ids {
		ch, ok := lexChunks[id]
		if !ok {
			continue
		}
		out = append(out, ScoredChunk{Chunk: ch, Score: fused[id]})
	}
	return out
}

// gatherStructuredContext fans out the independent lookups. Each is
// best-effort; a failed side leaves its slice empty.
func (f *Fusion) gatherStructuredContext(ctx context.Context, result *Result, terms, projectIDs []string) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		experiments, err := f.store.SearchExperimentData(projectIDs, terms)
		if err != nil {
			logger.Warn("Experiment context lookup failed", zap.Error(err))
			return
		}
		result.Experiments = experiments
		result.Aggregates = Aggregate(experiments)
	}()

	go func() {
		defer wg.Done()
		insights, err := f.store.SearchPivotInsights(projectIDs, terms, f.cfg.TopK)
		if err != nil {
			logger.Warn("Pivot insight lookup failed", zap.Error(err))
			return
		}
		result.PivotInsights = insights
	}()

	wg.Wait()
}

// neighborChunks pulls the chunks adjacent to the top hits so excerpts cut at
// a chunk boundary still read whole.
func (f *Fusion) neighborChunks(chunks []ScoredChunk, seen map[string]bool) []models.SearchChunk {
	limit := len(chunks)
	if limit > 3 {
		limit = 3
	}

	var out []models.SearchChunk
	for _, sc := range chunks[:limit] {
		if sc.Chunk.SourceType != "project_file" {
			continue
		}
		ordered, err := f.store.GetFileChunksOrdered(sc.Chunk.SourceID)
		if err != nil {
			logger.Warn("Neighbor lookup failed", zap.String("source_id", sc.Chunk.SourceID), zap.Error(err))
			continue
		}
		for _, ch := range ordered {
			if seen[ch.ID] {
				continue
			}
			delta := ch.ChunkIndex - sc.Chunk.ChunkIndex
			if delta == 1 || delta == -1 {
				seen[ch.ID] = true
				out = append(out, ch)
			}
		}
	}
	return out
}

// pivotLinkedChunks expands the top pivot insights with leading chunks from the
// documents behind them and behind the items they reference, so a relational
// insight arrives with the text that produced it.
func (f *Fusion) pivotLinkedChunks(pivots []models.KnowledgeItem, seen map[string]bool) []models.SearchChunk {
	limit := len(pivots)
	if limit > 3 {
		limit = 3
	}

	var fileIDs []string
	seenFiles := make(map[string]bool)
	addFile := func(id string) {
		if id == "" || seenFiles[id] {
			return
		}
		seenFiles[id] = true
		fileIDs = append(fileIDs, id)
	}

	var relatedIDs []string
	for _, p := range pivots[:limit] {
		addFile(p.FileID)
		relatedIDs = append(relatedIDs, p.RelatedItemIDs...)
	}
	if len(relatedIDs) > 0 {
		items, err := f.store.GetKnowledgeItemsByIDs(relatedIDs)
		if err != nil {
			logger.Warn("Related item lookup failed", zap.Error(err))
		}
		for _, item := range items {
			addFile(item.FileID)
		}
	}
	if len(fileIDs) > 4 {
		fileIDs = fileIDs[:4]
	}

	var out []models.SearchChunk
	for _, fileID := range fileIDs {
		ordered, err := f.store.GetFileChunksOrdered(fileID)
		if err != nil {
			logger.Warn("Pivot context lookup failed", zap.String("file_id", fileID), zap.Error(err))
			continue
		}
		added := 0
		for _, ch := range ordered {
			if seen[ch.ID] {
				continue
			}
			seen[ch.ID] = true
			out = append(out, ch)
			added++
			if added >= 2 {
				break
			}
		}
	}
	return out
}

// Aggregate computes per-metric summary statistics over canonical values.
func Aggregate(experiments []sqlite.ExperimentData) []MetricAggregate {
	type acc struct {
		unit   string
		values []float64
	}
	byMetric := make(map[string]*acc)
	for _, e := range experiments {
		for _, m := range e.Measurements {
			a, ok := byMetric[m.Metric]
			if !ok {
				a = &acc{unit: m.UnitCanonical}
				byMetric[m.Metric] = a
			}
			a.values = append(a.values, m.ValueCanonical)
		}
	}

	var out []MetricAggregate
	for metric, a := range byMetric {
		agg := MetricAggregate{Metric: metric, Unit: a.unit, N: len(a.values)}
		sort.Float64s(a.values)
		agg.Min = a.values[0]
		agg.Max = a.values[len(a.values)-1]

		sum := 0.0
		for _, v := range a.values {
			sum += v
		}
		agg.Mean = sum / float64(len(a.values))

		mid := len(a.values) / 2
		if len(a.values)%2 == 0 {
			agg.Median = (a.values[mid-1] + a.values[mid]) / 2
		} else {
			agg.Median = a.values[mid]
		}

		if len(a.values) > 1 {
			var sq float64
			for _, v := range a.values {
				sq += (v - agg.Mean) * (v - agg.Mean)
			}
			agg.StdDev = math.Sqrt(sq / float64(len(a.values)-1))
		}
		out = append(out, agg)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// Tokenize extracts lowercase query terms, dropping stopwords and anything
// shorter than three characters. Falls back to whitespace splitting when the
// NLP tokenizer rejects the input.
func Tokenize(query string) []string {
	var words []string
	doc, err := prose.NewDocument(query, prose.WithExtraction(false), prose.WithTagging(false))
	if err != nil {
		words = strings.Fields(query)
	} else {
		for _, tok := range doc.Tokens() {
			words = append(words, tok.Text)
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, `.,;:!?"'()[]`))
		if len(w) <= 2 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// longestTokens keeps the n longest terms, longer tokens being the more
// selective LIKE patterns.
func longestTokens(terms []string, n int) []string {
	out := make([]string, len(terms))
	copy(out, terms)
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func normalizeHits(hits []sqlite.ChunkHit) []ScoredChunk {
	maxScore := maxHitScore(hits)
	out := make([]ScoredChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, ScoredChunk{Chunk: h.Chunk, Score: h.Score / maxScore})
	}
	return out
}

func maxHitScore(hits []sqlite.ChunkHit) float64 {
	maxScore := 1.0
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	return maxScore
}

func maxVectorScore(hits []VectorHit) float64 {
	maxScore := 1.0
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	return maxScore
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "with": true,
	"this": true, "are": true, "was": true, "were": true, "what": true,
	"which": true, "how": true, "does": true, "did": true, "has": true,
	"have": true, "from": true, "about": true, "between": true, "into": true,
	"los": true, "las": true, "del": true, "por": true, "para": true,
	"dos": true, "das": true, "que": true, "com": true, "uma": true,
}
