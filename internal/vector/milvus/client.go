package milvus

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/retrieval"
	"github.com/labmesh/backend/pkg/logger"
)

// Client indexes chunk embeddings keyed by chunk id, partitioned logically by
// project. Chunk text lives in SQLite; only ids and vectors live here.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Project document chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "project_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

// InsertVectors writes one embedding per chunk id.
func (m *Client) InsertVectors(ctx context.Context, ids []string, projectID string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("id/vector count mismatch: %d vs %d", len(ids), len(vectors))
	}

	projectIDs := make([]string, len(ids))
	for i := range projectIDs {
		projectIDs[i] = projectID
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", ids),
		entity.NewColumnVarChar("project_id", projectIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, vectors),
	)
	if err != nil {
		return fmt.Errorf("failed to insert vectors: %w", err)
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Debug("Vectors inserted", zap.Int("count", len(ids)), zap.String("project_id", projectID))
	return nil
}

// Search returns the closest chunk ids within the allowed projects.
func (m *Client) Search(ctx context.Context, vector []float32, projectIDs []string, topK int) ([]retrieval.VectorHit, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}

	quoted := make([]string, len(projectIDs))
	for i, p := range projectIDs {
		quoted[i] = fmt.Sprintf("%q", strings.ReplaceAll(p, `"`, ""))
	}
	expr := fmt.Sprintf("project_id in [%s]", strings.Join(quoted, ", "))

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"chunk_id"},
		[]entity.Vector{entity.FloatVector(vector)},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var hits []retrieval.VectorHit
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn("chunk_id")
		for i := 0; i < sr.ResultCount; i++ {
			id, err := idCol.Get(i)
			if err != nil {
				continue
			}
			hits = append(hits, retrieval.VectorHit{
				ChunkID: id.(string),
				Score:   float64(sr.Scores[i]),
			})
		}
	}

	logger.Debug("Vector search completed", zap.Int("topK", topK), zap.Int("results", len(hits)))
	return hits, nil
}

// DeleteProject removes every vector belonging to the project.
func (m *Client) DeleteProject(ctx context.Context, projectID string) error {
	expr := fmt.Sprintf(`project_id == %q`, strings.ReplaceAll(projectID, `"`, ""))
	if err := m.client.Delete(ctx, m.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete project vectors: %w", err)
	}
	return nil
}
