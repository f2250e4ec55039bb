package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relaykit/relay/pkg/realtime"
)

// validSummaryProviders lists the known summariser backends. Used by
// [Validate] to warn about unrecognised provider names.
var validSummaryProviders = []string{"openai", "anthropic", "gemini", "ollama"}

// Load builds the effective configuration: built-in defaults, then the YAML
// file at path (skipped when path is empty), then environment overrides, then
// validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. The environment is not consulted. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file; defaults stand.
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overrides cfg from the environment. Unset variables leave the
// current value in place; set-but-malformed values are errors.
func ApplyEnv(cfg *Config) error {
	var errs []error

	envString("LOG_LEVEL", (*string)(&cfg.Server.LogLevel))
	envString("OPENAI_API_KEY", &cfg.Realtime.APIKey)
	envString("REALTIME_BASE_URL", &cfg.Realtime.BaseURL)
	envString("REALTIME_MODEL", &cfg.Realtime.Model)
	envString("REALTIME_VOICE", &cfg.Realtime.Voice)
	envString("REALTIME_INSTRUCTIONS", &cfg.Realtime.Instructions)
	envString("REALTIME_TOOL_CHOICE", &cfg.Realtime.ToolChoice)
	envString("OPENAI_BETA_HEADER", &cfg.Realtime.BetaHeader)
	envString("INPUT_NOISE_REDUCTION", (*string)(&cfg.Realtime.NoiseReduction))
	envString("VAD_EAGERNESS", (*string)(&cfg.Realtime.Eagerness))
	envString("AUDIO_INPUT_FORMAT", &cfg.Audio.InputFormat)
	envString("AUDIO_OUTPUT_FORMAT", &cfg.Audio.OutputFormat)
	envString("ARCHIVE_DSN", &cfg.Archive.DSN)
	envString("ARCHIVE_EMBEDDINGS_MODEL", &cfg.Archive.EmbeddingsModel)
	envString("SUMMARY_PROVIDER", &cfg.Summary.Provider)
	envString("SUMMARY_MODEL", &cfg.Summary.Model)
	envString("SUMMARY_API_KEY", &cfg.Summary.APIKey)
	envString("SUMMARY_BASE_URL", &cfg.Summary.BaseURL)

	errs = append(errs,
		envInt("PORT", &cfg.Server.Port),
		envInt("AUDIO_INPUT_RATE", &cfg.Audio.InputRate),
		envInt("AUDIO_OUTPUT_RATE", &cfg.Audio.OutputRate),
		envInt("ARCHIVE_EMBEDDING_DIMENSIONS", &cfg.Archive.EmbeddingDimensions),
		envJSON("REALTIME_TOOLS", &cfg.Realtime.Tools),
		envJSON("REALTIME_MCP_SERVERS", &cfg.Realtime.MCPServers),
		envJSON("TURN_DETECTION", &cfg.Realtime.TurnDetection),
		envTranscription("INPUT_TRANSCRIPTION", &cfg.Realtime.Transcription),
	)

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range (1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Realtime
	if cfg.Realtime.APIKey == "" {
		slog.Warn("realtime.api_key is empty; model connections will fail until OPENAI_API_KEY is set")
	}
	switch cfg.Realtime.ToolChoice {
	case "", "auto", "none", "required":
	default:
		slog.Warn("unusual realtime.tool_choice, the model may reject it", "tool_choice", cfg.Realtime.ToolChoice)
	}
	if cfg.Realtime.NoiseReduction != "" && !cfg.Realtime.NoiseReduction.IsValid() {
		errs = append(errs, fmt.Errorf("realtime.noise_reduction %q is invalid; valid values: none, near_field, far_field", cfg.Realtime.NoiseReduction))
	}
	if cfg.Realtime.Eagerness != "" && !cfg.Realtime.Eagerness.IsValid() {
		errs = append(errs, fmt.Errorf("realtime.eagerness %q is invalid; valid values: auto, low, medium, high", cfg.Realtime.Eagerness))
	}

	// Audio formats must resolve to a canonical name.
	if cfg.Audio.InputFormat != "" {
		if _, ok := realtime.CanonicalFormat(cfg.Audio.InputFormat); !ok {
			errs = append(errs, fmt.Errorf("audio.input_format %q is not a recognised format or alias", cfg.Audio.InputFormat))
		}
	}
	if cfg.Audio.OutputFormat != "" {
		if _, ok := realtime.CanonicalFormat(cfg.Audio.OutputFormat); !ok {
			errs = append(errs, fmt.Errorf("audio.output_format %q is not a recognised format or alias", cfg.Audio.OutputFormat))
		}
	}

	// Archive
	if cfg.Archive.DSN != "" && cfg.Archive.EmbeddingsModel != "" && cfg.Archive.EmbeddingDimensions <= 0 {
		slog.Warn("archive.embeddings_model is configured but archive.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Archive.DSN == "" && cfg.Archive.EmbeddingsModel != "" {
		errs = append(errs, errors.New("archive.embeddings_model requires archive.dsn"))
	}

	// Summary
	if cfg.Summary.Model != "" && cfg.Summary.Provider == "" {
		errs = append(errs, errors.New("summary.model requires summary.provider"))
	}
	if cfg.Summary.Provider != "" && !slices.Contains(validSummaryProviders, cfg.Summary.Provider) {
		slog.Warn("unrecognised summary provider",
			"provider", cfg.Summary.Provider,
			"known", validSummaryProviders,
		)
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		for _, err := range validateMCPServer(srv) {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// validateMCPServer checks one tool server entry. The caller prefixes the
// returned errors with the server's position in the list.
func validateMCPServer(srv MCPServerConfig) []error {
	var errs []error
	if srv.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch {
	case srv.Transport == "":
		errs = append(errs, errors.New("transport is required"))
	case !srv.Transport.IsValid():
		errs = append(errs, fmt.Errorf("transport %q not recognised (stdio or streamable-http)", srv.Transport))
	case srv.Transport == TransportStdio && srv.Command == "":
		errs = append(errs, errors.New("command is required when transport is stdio"))
	case srv.Transport == TransportStreamableHTTP && srv.URL == "":
		errs = append(errs, errors.New("url is required when transport is streamable-http"))
	}
	return errs
}

// envString overrides *dst when the variable is set.
func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

// envInt overrides *dst when the variable is set and parses as an integer.
func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

// envJSON overrides *dst when the variable is set and parses as JSON.
func envJSON[T any](key string, dst *T) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	return nil
}

// envTranscription accepts either a JSON object or a bare model name, the
// latter expanding to {"model": name}.
func envTranscription(key string, dst *map[string]any) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if strings.HasPrefix(v, "{") {
		return envJSON(key, dst)
	}
	*dst = map[string]any{"model": v}
	return nil
}
