package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Data      DataConfig      `mapstructure:"data"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Models    ModelsConfig    `mapstructure:"models"`
	Index     IndexConfig     `mapstructure:"index"`
	Search    SearchConfig    `mapstructure:"search"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Raster    RasterConfig    `mapstructure:"raster"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DataConfig holds the on-disk layout roots.
type DataConfig struct {
	AppDir string `mapstructure:"app_dir"`
}

// VFSDBPath returns the catalog/index database path.
func (d DataConfig) VFSDBPath() string {
	return filepath.Join(d.AppDir, "databases", "vfs.db")
}

// ChatDBPath returns the chat database path.
func (d DataConfig) ChatDBPath() string {
	return filepath.Join(d.AppDir, "databases", "chat_v2.db")
}

// BlobsDir returns the content-addressed blob root.
func (d DataConfig) BlobsDir() string {
	return filepath.Join(d.AppDir, "vfs_blobs")
}

// DatabaseConfig holds SQL settings shared by both databases.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	DSN             string        `mapstructure:"dsn"`    // postgres only
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// QdrantConfig holds vector store connection settings.
type QdrantConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
	UseTLS bool   `mapstructure:"use_tls"`
}

// ModelsConfig lists the model endpoints the executors talk to.
type ModelsConfig struct {
	Embeddings []ModelConfig `mapstructure:"embeddings"`
	OCR        ModelConfig   `mapstructure:"ocr"`
	LLM        ModelConfig   `mapstructure:"llm"`
	Summary    ModelConfig   `mapstructure:"summary"`
}

// IndexConfig holds indexing worker settings.
type IndexConfig struct {
	Workers      int           `mapstructure:"workers"`
	BatchSize    int           `mapstructure:"batch_size"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	ChunkOverlap int           `mapstructure:"chunk_overlap"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SearchConfig holds hybrid search tuning.
type SearchConfig struct {
	Overfetch         float64       `mapstructure:"overfetch"`
	RelativeThreshold float64       `mapstructure:"relative_threshold"`
	AbsoluteFloor     float64       `mapstructure:"absolute_floor"`
	CrossDim          bool          `mapstructure:"cross_dim"`
	RerankEnabled     bool          `mapstructure:"rerank_enabled"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// ChatConfig holds pipeline settings.
type ChatConfig struct {
	HistoryLimit         int           `mapstructure:"history_limit"`
	NonStreamTimeout     time.Duration `mapstructure:"non_stream_timeout"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	SubagentMaxDepth     int           `mapstructure:"subagent_max_depth"`
	SummaryTitleLimit    int           `mapstructure:"summary_title_limit"`
	SummaryDescLimit     int           `mapstructure:"summary_desc_limit"`
	ConfirmSensitive     bool          `mapstructure:"confirm_sensitive"`
	WebSearchURL         string        `mapstructure:"web_search_url"` // SearxNG base URL, empty disables web_search
}

// RasterConfig holds rasterizer limits.
type RasterConfig struct {
	MaxFileSizeMiB int    `mapstructure:"max_file_size_mib"`
	DPI            int    `mapstructure:"dpi"`
	DocxConverter  string `mapstructure:"docx_converter"` // path to a pdf converter binary
}

// MirrorConfig holds optional blob mirror (object storage) settings.
type MirrorConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Provider  string `mapstructure:"provider"` // s3
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Config file is optional; env vars and defaults are enough to boot.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Models.Embeddings {
		cfg.Models.Embeddings[i].ResolveEnvVars()
	}
	cfg.Models.OCR.ResolveEnvVars()
	cfg.Models.LLM.ResolveEnvVars()
	cfg.Models.Summary.ResolveEnvVars()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("data.app_dir", "./data")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 15)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.busy_timeout", 5*time.Second)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)

	v.SetDefault("index.workers", 4)
	v.SetDefault("index.batch_size", 16)
	v.SetDefault("index.chunk_size", 800)
	v.SetDefault("index.chunk_overlap", 80)
	v.SetDefault("index.poll_interval", 3*time.Second)

	v.SetDefault("search.overfetch", 2.0)
	v.SetDefault("search.relative_threshold", 0.6)
	v.SetDefault("search.absolute_floor", 0.2)
	v.SetDefault("search.cross_dim", true)
	v.SetDefault("search.rerank_enabled", false)
	v.SetDefault("search.timeout", 30*time.Second)

	v.SetDefault("chat.history_limit", 40)
	v.SetDefault("chat.non_stream_timeout", 60*time.Second)
	v.SetDefault("chat.shutdown_timeout", 15*time.Second)
	v.SetDefault("chat.subagent_max_depth", 2)
	v.SetDefault("chat.summary_title_limit", 50)
	v.SetDefault("chat.summary_desc_limit", 100)
	v.SetDefault("chat.confirm_sensitive", false)
	v.SetDefault("chat.web_search_url", "")

	v.SetDefault("raster.max_file_size_mib", 200)
	v.SetDefault("raster.dpi", 300)

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.provider", "s3")
}
