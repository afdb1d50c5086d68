package extraction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/backend/internal/catalog"
	"github.com/labmesh/backend/internal/storage/models"
	"github.com/labmesh/backend/internal/storage/sqlite"
	"github.com/labmesh/backend/pkg/config"
)

type fakeBlobs struct {
	files map[string][]byte
}

func (f *fakeBlobs) Download(storagePath string) ([]byte, error) {
	data, ok := f.files[storagePath]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

func newTestController(t *testing.T, inference Inference) (*Controller, *sqlite.Client, *fakeBlobs) {
	t.Helper()

	store, err := sqlite.NewClient(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	blobs := &fakeBlobs{files: map[string][]byte{}}
	engine := NewEngine(inference)
	normalizer := catalog.NewNormalizer(store)

	cfg := config.ExtractionConfig{
		MaxContentChars: 120000,
		CrossDocMaxSeen: 50,
		CrossDocMaxEmit: 5,
	}
	controller := NewController(store, blobs, engine, normalizer, nil, nil, cfg)
	return controller, store, blobs
}

func seedFile(t *testing.T, store *sqlite.Client, blobs *fakeBlobs, projectID, name, mime string, data []byte) string {
	t.Helper()
	fileID := uuid.New().String()
	path := projectID + "/" + fileID
	blobs.files[path] = data
	require.NoError(t, store.InsertProjectFile(&models.ProjectFile{
		ID:          fileID,
		ProjectID:   projectID,
		Name:        name,
		StoragePath: path,
		MimeType:    mime,
		SizeBytes:   int64(len(data)),
		Version:     1,
		CreatedAt:   time.Now(),
	}))
	return fileID
}

func TestRunCSVExtraction(t *testing.T) {
	// Column mapping falls back to the header heuristic when the model fails,
	// so the whole spreadsheet path runs without any inference.
	controller, store, blobs := newTestController(t, &fakeInference{structuredErr: errors.New("model down")})

	csv := []byte("Amostra,Carga (%),RF (MPa)\nCP-01,\"0,4\",\"32,5\"\nCP-02,\"0,6\",\"28,1\"\n")
	fileID := seedFile(t, store, blobs, "proj-1", "ensaios.csv", "text/csv", csv)

	job, err := controller.Run(context.Background(), "proj-1", fileID, "", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, models.QualityGood, job.ParsingQuality)
	assert.NotEmpty(t, job.Fingerprint)

	experiments, err := store.ListExperimentData("proj-1")
	require.NoError(t, err)
	require.Len(t, experiments, 1)
	require.Len(t, experiments[0].Measurements, 4)

	var carga *models.Measurement
	for i := range experiments[0].Measurements {
		m := &experiments[0].Measurements[i]
		if m.Metric == "carga" && m.Value == 0.4 {
			carga = m
		}
	}
	require.NotNil(t, carga, "filler column measurement missing")
	assert.InDelta(t, 40, carga.ValueCanonical, 1e-9)
	assert.Equal(t, "pct", carga.UnitCanonical)
	assert.Contains(t, carga.SourceExcerpt, "0,4")

	// Chunks were indexed for retrieval.
	chunks, err := store.GetFileChunksOrdered(fileID)
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
}

func TestRunIsIdempotentPerFingerprint(t *testing.T) {
	controller, store, blobs := newTestController(t, &fakeInference{structuredErr: errors.New("model down")})

	csv := []byte("Amostra,RF (MPa)\nCP-01,\"32,5\"\n")
	fileID := seedFile(t, store, blobs, "proj-1", "a.csv", "text/csv", csv)

	first, err := controller.Run(context.Background(), "proj-1", fileID, "", false)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, first.Status)

	// Re-upload of byte-identical content under a different file id.
	secondFile := seedFile(t, store, blobs, "proj-1", "a copy.csv", "text/csv", csv)
	second, err := controller.Run(context.Background(), "proj-1", secondFile, "", false)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "identical content short-circuits to the completed job")

	experiments, err := store.ListExperimentData("proj-1")
	require.NoError(t, err)
	assert.Len(t, experiments, 1, "no duplicate extraction happened")
}

func TestRunForceBypassesFingerprintShortCircuit(t *testing.T) {
	controller, store, blobs := newTestController(t, &fakeInference{structuredErr: errors.New("model down")})

	csv := []byte("Amostra,RF (MPa)\nCP-01,\"32,5\"\n")
	fileID := seedFile(t, store, blobs, "proj-1", "a.csv", "text/csv", csv)

	first, err := controller.Run(context.Background(), "proj-1", fileID, "", false)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, first.Status)

	second, err := controller.Run(context.Background(), "proj-1", fileID, "", true)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID, "force runs a fresh extraction")
	assert.Equal(t, models.JobCompleted, second.Status)

	experiments, err := store.ListExperimentData("proj-1")
	require.NoError(t, err)
	assert.Len(t, experiments, 2, "forced run extracted again")
}

func TestRunUsesCallerSuppliedJobID(t *testing.T) {
	controller, store, blobs := newTestController(t, &fakeInference{structuredErr: errors.New("model down")})

	csv := []byte("Amostra,RF (MPa)\nCP-01,\"32,5\"\n")
	fileID := seedFile(t, store, blobs, "proj-1", "a.csv", "text/csv", csv)

	job, err := controller.Run(context.Background(), "proj-1", fileID, "job-caller-1", false)
	require.NoError(t, err)
	assert.Equal(t, "job-caller-1", job.ID)
}

func TestRunUnsupportedBinaryCompletesWithQuality(t *testing.T) {
	controller, store, blobs := newTestController(t, &fakeInference{})

	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i % 5)
	}
	fileID := seedFile(t, store, blobs, "proj-1", "blob.bin", "application/octet-stream", data)

	job, err := controller.Run(context.Background(), "proj-1", fileID, "", false)
	require.NoError(t, err, "unreadable documents degrade, they do not fail the job")
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, models.QualityUnsupported, job.ParsingQuality)
	assert.Equal(t, 1, job.ItemsExtracted)

	// The document stays visible as a single qualitative experiment.
	experiments, err := store.ListExperimentData("proj-1")
	require.NoError(t, err)
	require.Len(t, experiments, 1)
	assert.True(t, experiments[0].Experiment.IsQualitative)
	assert.Equal(t, "blob.bin", experiments[0].Experiment.Title)
	assert.Empty(t, experiments[0].Measurements, "nothing is fabricated")
}

func TestRunCreatesQualitativeFallbackWhenModelFindsNothing(t *testing.T) {
	inference := &fakeInference{structured: map[string]string{
		"record_extraction": `{"insights": [], "experiments": []}`,
	}}
	controller, store, blobs := newTestController(t, inference)

	text := []byte("A narrative progress note with no measurable outcomes, only plans for the next test campaign.")
	fileID := seedFile(t, store, blobs, "proj-1", "notes.txt", "text/plain", text)

	job, err := controller.Run(context.Background(), "proj-1", fileID, "", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 1, job.ItemsExtracted)

	experiments, err := store.ListExperimentData("proj-1")
	require.NoError(t, err)
	require.Len(t, experiments, 1)
	assert.True(t, experiments[0].Experiment.IsQualitative)
	assert.Empty(t, experiments[0].Measurements)
}

func TestRunSkipsCrossDocWithoutPriorKnowledge(t *testing.T) {
	payload := `{
		"insights": [
			{"category": "result", "title": "A", "content": "a", "evidence": "strength was 32.5 MPa", "confidence": 0.9},
			{"category": "finding", "title": "B", "content": "b", "evidence": "strength was 32.5 MPa", "confidence": 0.8}
		],
		"experiments": []
	}`
	inference := &fakeInference{structured: map[string]string{"record_extraction": payload}}
	controller, store, blobs := newTestController(t, inference)

	text := []byte("First upload into an empty project. The strength was 32.5 MPa in the pilot run.")
	fileID := seedFile(t, store, blobs, "proj-1", "first.txt", "text/plain", text)

	_, err := controller.Run(context.Background(), "proj-1", fileID, "", false)
	require.NoError(t, err)

	assert.NotContains(t, inference.calls, "record_relations",
		"a document's own insights never count as existing knowledge")
	insights, err := store.ListProjectInsights("proj-1", 10)
	require.NoError(t, err)
	assert.Len(t, insights, 2)
}

func TestRunDocumentPathPersistsInsights(t *testing.T) {
	payload := `{
		"insights": [
			{"category": "result", "title": "Strength improved", "content": "RF rose with filler", "evidence": "flexural strength was 32.5 MPa", "confidence": 0.9}
		],
		"experiments": [
			{"title": "Trial A", "summary": "bending tests", "measurements": [
				{"metric": "Flexural Strength", "value": 32.5, "unit": "MPa", "source_excerpt": "flexural strength was 32.5 MPa"}
			], "conditions": [{"name": "temperature", "value": "23C"}]}
		]
	}`
	inference := &fakeInference{structured: map[string]string{"record_extraction": payload}}
	controller, store, blobs := newTestController(t, inference)

	text := []byte("Report. The flexural strength was 32.5 MPa at room temperature. More narrative follows to make this long enough.")
	fileID := seedFile(t, store, blobs, "proj-1", "report.txt", "text/plain", text)

	job, err := controller.Run(context.Background(), "proj-1", fileID, "", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 100, job.TokensUsed)

	experiments, err := store.ListExperimentData("proj-1")
	require.NoError(t, err)
	require.Len(t, experiments, 1)
	assert.Equal(t, "Trial A", experiments[0].Experiment.Title)
	assert.False(t, experiments[0].Experiment.IsQualitative)
	require.Len(t, experiments[0].Measurements, 1)
	assert.Equal(t, "flexural_strength", experiments[0].Measurements[0].Metric)
	require.Len(t, experiments[0].Conditions, 1)

	insights, err := store.ListProjectInsights("proj-1", 10)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, models.CategoryResult, insights[0].Category)
	assert.True(t, insights[0].EvidenceVerified)
}

func TestSplitChunksOverlap(t *testing.T) {
	text := ""
	for i := 0; i < 100; i++ {
		text += "line with some content to fill the chunk window\n"
	}

	chunks := splitChunks(text, 1200, 200)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.NotEmpty(t, ch)
		assert.LessOrEqual(t, len(ch), 1200)
	}
}
