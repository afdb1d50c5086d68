package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Blob       BlobConfig
	Milvus     MilvusConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Extraction ExtractionConfig
	Retrieval  RetrievalConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type BlobConfig struct {
	Root string
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	APIKey         string
	FastModel      string
	DeepModel      string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

type ExtractionConfig struct {
	MaxContentChars int
	CrossDocMaxSeen int
	CrossDocMaxEmit int
}

type RetrievalConfig struct {
	TopK           int
	SemanticWeight float64
	LexicalWeight  float64
	DeepReadFiles  int
	DeepReadChars  int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/labmesh")

	viper.SetEnvPrefix("LABMESH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 60)
	viper.SetDefault("server.writeTimeout", 120)
	viper.SetDefault("server.bodyLimit", 52428800)

	viper.SetDefault("sqlite.path", "./data/labmesh.db")
	viper.SetDefault("blob.root", "./data/blobs")

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "search_chunks")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.fastModel", "gpt-4o-mini")
	viper.SetDefault("llm.deepModel", "gpt-4o")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 4096)
	viper.SetDefault("llm.timeoutSec", 120)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.embeddingDim", 1536)

	viper.SetDefault("extraction.maxContentChars", 120000)
	viper.SetDefault("extraction.crossDocMaxSeen", 50)
	viper.SetDefault("extraction.crossDocMaxEmit", 5)

	viper.SetDefault("retrieval.topK", 15)
	viper.SetDefault("retrieval.semanticWeight", 0.65)
	viper.SetDefault("retrieval.lexicalWeight", 0.35)
	viper.SetDefault("retrieval.deepReadFiles", 2)
	viper.SetDefault("retrieval.deepReadChars", 4000)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
