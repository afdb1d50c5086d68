package models

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type ParsingQuality string

const (
	QualityGood        ParsingQuality = "good"
	QualityPartial     ParsingQuality = "partial"
	QualityPoor        ParsingQuality = "poor"
	QualityFailed      ParsingQuality = "failed"
	QualityUnsupported ParsingQuality = "unsupported"
)

// InsightCategory is the closed taxonomy shared by extraction, storage and
// retrieval. Validated once at the ingestion boundary with Valid().
type InsightCategory string

const (
	CategoryCompound       InsightCategory = "compound"
	CategoryParameter      InsightCategory = "parameter"
	CategoryResult         InsightCategory = "result"
	CategoryMethod         InsightCategory = "method"
	CategoryObservation    InsightCategory = "observation"
	CategoryFinding        InsightCategory = "finding"
	CategoryCorrelation    InsightCategory = "correlation"
	CategoryAnomaly        InsightCategory = "anomaly"
	CategoryBenchmark      InsightCategory = "benchmark"
	CategoryRecommendation InsightCategory = "recommendation"
	CategoryCrossReference InsightCategory = "cross_reference"
	CategoryPattern        InsightCategory = "pattern"
	CategoryContradiction  InsightCategory = "contradiction"
	CategoryGap            InsightCategory = "gap"
)

var validCategories = map[InsightCategory]struct{}{
	CategoryCompound: {}, CategoryParameter: {}, CategoryResult: {},
	CategoryMethod: {}, CategoryObservation: {}, CategoryFinding: {},
	CategoryCorrelation: {}, CategoryAnomaly: {}, CategoryBenchmark: {},
	CategoryRecommendation: {}, CategoryCrossReference: {}, CategoryPattern: {},
	CategoryContradiction: {}, CategoryGap: {},
}

func (c InsightCategory) Valid() bool {
	_, ok := validCategories[c]
	return ok
}

// RelationalCategories are the categories the cross-document passes may emit.
var RelationalCategories = []InsightCategory{
	CategoryCrossReference, CategoryPattern, CategoryContradiction, CategoryGap,
}

type Role string

const (
	RoleOwner      Role = "owner"
	RoleManager    Role = "manager"
	RoleResearcher Role = "researcher"
	RoleViewer     Role = "viewer"
)

// CanWrite reports whether the role may run extractions or correlations.
func (r Role) CanWrite() bool {
	return r == RoleOwner || r == RoleManager || r == RoleResearcher
}

type SourceType string

const (
	SourcePDF   SourceType = "pdf"
	SourceWord  SourceType = "word"
	SourceExcel SourceType = "excel"
)

type ProjectFile struct {
	ID          string
	ProjectID   string
	Name        string
	StoragePath string
	MimeType    string
	SizeBytes   int64
	Fingerprint string
	Version     int
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

type ExtractionJob struct {
	ID               string
	ProjectID        string
	FileID           string
	Status           JobStatus
	Fingerprint      string
	ParsingQuality   ParsingQuality
	ItemsExtracted   int
	TokensUsed       int
	ContentTruncated bool
	ErrorMessage     string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

type Experiment struct {
	ID            string
	ProjectID     string
	FileID        string
	Title         string
	Objective     string
	Hypothesis    string
	Summary       string
	IsQualitative bool
	SourceType    SourceType
	CreatedAt     time.Time
	DeletedAt     *time.Time
}

type Measurement struct {
	ID             string
	ExperimentID   string
	Metric         string // canonical catalog name
	MetricRaw      string
	Value          float64
	Unit           string
	UnitCanonical  string
	ValueCanonical float64
	Method         string
	Confidence     string // high|medium|low tier
	SourceExcerpt  string // verbatim text containing the value
	CreatedAt      time.Time
}

type ExperimentCondition struct {
	ID           string
	ExperimentID string
	Name         string
	Value        string
}

type Citation struct {
	ID           string
	ExperimentID string
	Location     string // page/sheet/cell reference
	Excerpt      string
}

type KnowledgeItem struct {
	ID               string
	ProjectID        string
	FileID           string
	Category         InsightCategory
	Title            string
	Content          string
	Evidence         string
	Confidence       float64
	EvidenceVerified bool
	RelationshipType string // "auto_correlation" for correlator output
	RelatedItemIDs   []string
	ExperimentID     string
	Metric           string
	CreatedAt        time.Time
	DeletedAt        *time.Time
}

type MetricsCatalogEntry struct {
	ID               string
	CanonicalName    string
	DisplayName      string
	Unit             string
	UnitAliases      []string
	NameAliases      []string
	ConversionFactor float64
	CreatedAt        time.Time
}

type CorrelationJob struct {
	ID                  string
	ProjectID           string
	Status              JobStatus
	MetricsAnalyzed     int
	PatternsFound       int
	ContradictionsFound int
	GapsFound           int
	InsightsCreated     int
	ErrorMessage        string
	CreatedAt           time.Time
	CompletedAt         *time.Time
}

type SearchChunk struct {
	ID         string
	ProjectID  string
	SourceType string // "project_file", "report", ...
	SourceID   string
	ChunkIndex int
	Text       string
	Section    string // results|discussion|conclusion|methods, empty when untagged
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

type RAGLog struct {
	ID            string
	UserID        string
	Query         string
	Answer        string
	ChunkIDs      []string
	Scores        []float64
	RetrievalMode string // hybrid|fulltext|substring|pinned|none
	Model         string
	LatencyMS     int
	Grounded      bool
	CaveatAdded   bool
	CreatedAt     time.Time
}

type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      Role
}
