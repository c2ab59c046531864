package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Storage    StorageConfig    `yaml:"storage"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type OllamaConfig struct {
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	FallbackModel string `yaml:"fallback_model"`
	EmbedModel    string `yaml:"embed_model"`
	// EmbedDim is the embedding dimension produced by EmbedModel. Indexes
	// reject vectors of any other length.
	EmbedDim int `yaml:"embed_dim"`
}

type ExtractionConfig struct {
	// MinDirectChars is the threshold below which native text-layer output is
	// considered unusable and OCR kicks in.
	MinDirectChars int `yaml:"min_direct_chars"`
	// OCRPages caps how many pages are rasterized for OCR.
	OCRPages  int    `yaml:"ocr_pages"`
	OCRDPI    int    `yaml:"ocr_dpi"`
	Tesseract string `yaml:"tesseract"`
	PDFToPPM  string `yaml:"pdftoppm"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 8000},
		Log:    LogConfig{Level: "info"},
		Ollama: OllamaConfig{
			BaseURL:       "http://localhost:11434",
			Model:         "llama3.2:3b",
			FallbackModel: "llama3.2:1b",
			EmbedModel:    "all-minilm",
			EmbedDim:      384,
		},
		Extraction: ExtractionConfig{
			MinDirectChars: 100,
			OCRPages:       3,
			OCRDPI:         200,
			Tesseract:      "tesseract",
			PDFToPPM:       "pdftoppm",
		},
		Chunking:  ChunkingConfig{Size: 800, Overlap: 0},
		Retrieval: RetrievalConfig{TopK: 5},
		Storage:   StorageConfig{DataDir: defaultDataDir()},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taxpilot"
	}
	return filepath.Join(home, ".taxpilot")
}

// Load reads ./config.yaml if present (falling back to
// $HOME/.config/taxpilot/config.yaml), applies defaults for missing fields,
// then applies TAXPILOT_* environment overrides.
func Load() (Config, error) {
	path := "config.yaml"
	if _, err := os.Stat(path); err != nil {
		home, herr := os.UserHomeDir()
		if herr == nil {
			path = filepath.Join(home, ".config", "taxpilot", "config.yaml")
		}
	}
	return loadFrom(path)
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
		applyDefaults(&cfg)
	}

	applyEnvOverrides(&cfg)

	if cfg.Chunking.Overlap >= cfg.Chunking.Size {
		return Config{}, fmt.Errorf("chunking overlap %d must be smaller than chunk size %d",
			cfg.Chunking.Overlap, cfg.Chunking.Size)
	}

	return cfg, nil
}

// applyDefaults backfills zero values after a partial yaml unmarshal.
func applyDefaults(cfg *Config) {
	def := defaults()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Ollama.BaseURL == "" {
		cfg.Ollama.BaseURL = def.Ollama.BaseURL
	}
	if cfg.Ollama.Model == "" {
		cfg.Ollama.Model = def.Ollama.Model
	}
	if cfg.Ollama.FallbackModel == "" {
		cfg.Ollama.FallbackModel = def.Ollama.FallbackModel
	}
	if cfg.Ollama.EmbedModel == "" {
		cfg.Ollama.EmbedModel = def.Ollama.EmbedModel
	}
	if cfg.Ollama.EmbedDim == 0 {
		cfg.Ollama.EmbedDim = def.Ollama.EmbedDim
	}
	if cfg.Extraction.MinDirectChars == 0 {
		cfg.Extraction.MinDirectChars = def.Extraction.MinDirectChars
	}
	if cfg.Extraction.OCRPages == 0 {
		cfg.Extraction.OCRPages = def.Extraction.OCRPages
	}
	if cfg.Extraction.OCRDPI == 0 {
		cfg.Extraction.OCRDPI = def.Extraction.OCRDPI
	}
	if cfg.Extraction.Tesseract == "" {
		cfg.Extraction.Tesseract = def.Extraction.Tesseract
	}
	if cfg.Extraction.PDFToPPM == "" {
		cfg.Extraction.PDFToPPM = def.Extraction.PDFToPPM
	}
	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = def.Chunking.Size
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = def.Retrieval.TopK
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = def.Storage.DataDir
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TAXPILOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TAXPILOT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TAXPILOT_OLLAMA_URL"); v != "" {
		cfg.Ollama.BaseURL = v
	}
	if v := os.Getenv("TAXPILOT_MODEL"); v != "" {
		cfg.Ollama.Model = v
	}
	if v := os.Getenv("TAXPILOT_EMBED_MODEL"); v != "" {
		cfg.Ollama.EmbedModel = v
	}
	if v := os.Getenv("TAXPILOT_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
}
