// Package config provides configuration management for the mux engine using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort             = 8091
	defaultShutdownTimeout        = 10 * time.Second
	defaultSegmentTime            = 4
	defaultListSize               = 20
	defaultTransitionTimeout      = 15.0
	defaultSegmentStabilityDelay  = 0.1
	defaultRecoveryBackoffBase    = 2.0
	defaultRecoveryBackoffCap     = 60.0
	defaultABRPreset              = "veryfast"
	defaultABRGOPSize             = 48
	defaultCleanupIntervalSeconds = 30
	defaultIcecastAudioBitrate    = "128k"
	defaultIcecastAudioFormat     = "mp3"
)

// Config holds all configuration for the mux engine.
type Config struct {
	API        APIConfig        `mapstructure:"api" yaml:"api"`
	HLS        HLSConfig        `mapstructure:"hls" yaml:"hls"`
	Mux        MuxConfig        `mapstructure:"mux" yaml:"mux"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Restreamer RestreamerConfig `mapstructure:"restreamer" yaml:"restreamer"`
	Icecast    IcecastConfig    `mapstructure:"icecast" yaml:"icecast"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	FFmpeg     FFmpegConfig     `mapstructure:"ffmpeg" yaml:"ffmpeg"`
}

// APIConfig holds the playhead event-source connection settings.
type APIConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// HLSConfig holds output-side HLS parameters shared by every mode.
type HLSConfig struct {
	OutputDir   string `mapstructure:"output_dir" yaml:"output_dir"`
	SegmentTime int    `mapstructure:"segment_time" yaml:"segment_time"`
	ListSize    int    `mapstructure:"list_size" yaml:"list_size"`
}

// ABRVariant describes one adaptive-bitrate rendition.
type ABRVariant struct {
	Height       int    `mapstructure:"height" json:"height" yaml:"height"`
	VideoBitrate string `mapstructure:"video_bitrate" json:"video_bitrate" yaml:"video_bitrate"`
	AudioBitrate string `mapstructure:"audio_bitrate" json:"audio_bitrate" yaml:"audio_bitrate"`
}

// DefaultABRVariants mirrors the original implementation's fallback ladder.
func DefaultABRVariants() []ABRVariant {
	return []ABRVariant{
		{Height: 1080, VideoBitrate: "5000k", AudioBitrate: "192k"},
		{Height: 720, VideoBitrate: "2800k", AudioBitrate: "128k"},
		{Height: 576, VideoBitrate: "1400k", AudioBitrate: "96k"},
	}
}

// MuxConfig holds the transition, recovery, and ABR-encode tunables.
type MuxConfig struct {
	Mode                   string       `mapstructure:"mode" yaml:"mode"` // "copy" or "abr"
	ABRVariants            []ABRVariant `mapstructure:"abr_variants" yaml:"abr_variants"`
	ABRPreset              string       `mapstructure:"abr_preset" yaml:"abr_preset"`
	ABRGOPSize             int          `mapstructure:"abr_gop_size" yaml:"abr_gop_size"`
	TransitionTimeout      float64      `mapstructure:"transition_timeout" yaml:"transition_timeout"`
	SegmentStabilityDelay  float64      `mapstructure:"segment_stability_delay" yaml:"segment_stability_delay"`
	RecoveryBackoffBase    float64      `mapstructure:"recovery_backoff_base" yaml:"recovery_backoff_base"`
	RecoveryBackoffCap     float64      `mapstructure:"recovery_backoff_cap" yaml:"recovery_backoff_cap"`
	CleanupIntervalSeconds int          `mapstructure:"cleanup_interval_seconds" yaml:"cleanup_interval_seconds"`
}

// NumVariants returns 1 in copy mode, 1+len(ABRVariants) in abr mode.
func (m MuxConfig) NumVariants() int {
	if m.Mode != "abr" {
		return 1
	}
	return 1 + len(m.ABRVariants)
}

// MaxSegmentAge returns the age-based eviction threshold for an HLSConfig pair.
func (m MuxConfig) MaxSegmentAge(hls HLSConfig) time.Duration {
	return time.Duration(hls.ListSize*hls.SegmentTime*3) * time.Second
}

// MaxSegmentsInMemory returns the per-variant in-memory cap.
func (hls HLSConfig) MaxSegmentsInMemory() int {
	return hls.ListSize * 3
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RestreamerConfig holds the public-to-internal URL rewrite substitution.
type RestreamerConfig struct {
	InternalURL string `mapstructure:"internal_url" yaml:"internal_url"`
	PublicHost  string `mapstructure:"public_host" yaml:"public_host"`
}

// IcecastConfig holds the optional audio-broadcast sidecar output settings.
type IcecastConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	SourcePassword string `mapstructure:"source_password" yaml:"source_password"`
	Mount          string `mapstructure:"mount" yaml:"mount"`
	AudioBitrate   string `mapstructure:"audio_bitrate" yaml:"audio_bitrate"`
	AudioFormat    string `mapstructure:"audio_format" yaml:"audio_format"` // "mp3" or "aac"
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// FFmpegConfig holds the paths to the external transcoder binaries.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path" yaml:"binary_path"`
	ProbePath  string `mapstructure:"probe_path" yaml:"probe_path"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with MUXENGINE_ and use underscores for nesting.
// Example: MUXENGINE_SERVER_PORT=8091.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/muxengine")
	}

	v.SetEnvPrefix("MUXENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// ABR variants arrive as a JSON string when set via environment variable or
	// CLI flag rather than a structured config file; viper's Unmarshal only
	// decodes it for us when the source was already a list. Handle the string
	// form explicitly; any parse error (a JSON syntax error or an entry missing
	// a required key) fails the load.
	if raw := v.GetString("mux.abr_variants"); raw != "" && len(cfg.Mux.ABRVariants) == 0 {
		variants, err := parseABRVariantsJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing mux.abr_variants: %w", err)
		}
		cfg.Mux.ABRVariants = variants
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// parseABRVariantsJSON parses the JSON-encoded variant list, validating that
// every entry carries the required keys. An entry missing a required key
// returns an error together with the default ladder; a top-level syntax
// error returns an error and no variants. Load treats both as fatal.
func parseABRVariantsJSON(raw string) ([]ABRVariant, error) {
	var variants []ABRVariant
	if err := json.Unmarshal([]byte(raw), &variants); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	for i, variant := range variants {
		if variant.Height <= 0 || variant.VideoBitrate == "" || variant.AudioBitrate == "" {
			return DefaultABRVariants(), fmt.Errorf("variant %d missing required keys", i) //nolint:nilerr // defaults are returned alongside the error; Load does not use them
		}
	}
	return variants, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.url", "http://api:8080")

	v.SetDefault("hls.output_dir", "/tmp/hls")
	v.SetDefault("hls.segment_time", defaultSegmentTime)
	v.SetDefault("hls.list_size", defaultListSize)

	v.SetDefault("mux.mode", "copy")
	v.SetDefault("mux.abr_preset", defaultABRPreset)
	v.SetDefault("mux.abr_gop_size", defaultABRGOPSize)
	v.SetDefault("mux.transition_timeout", defaultTransitionTimeout)
	v.SetDefault("mux.segment_stability_delay", defaultSegmentStabilityDelay)
	v.SetDefault("mux.recovery_backoff_base", defaultRecoveryBackoffBase)
	v.SetDefault("mux.recovery_backoff_cap", defaultRecoveryBackoffCap)
	v.SetDefault("mux.cleanup_interval_seconds", defaultCleanupIntervalSeconds)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("icecast.enabled", false)
	v.SetDefault("icecast.audio_bitrate", defaultIcecastAudioBitrate)
	v.SetDefault("icecast.audio_format", defaultIcecastAudioFormat)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("ffmpeg.binary_path", "ffmpeg")
	v.SetDefault("ffmpeg.probe_path", "ffprobe")
}

// Validate checks the configuration for errors, refusing startup on any
// violation per the configuration error-taxonomy entry: these are the only
// failures in the engine that are fatal rather than recovered in place.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.HLS.SegmentTime < 1 || c.HLS.SegmentTime > 60 {
		return fmt.Errorf("hls.segment_time must be between 1 and 60")
	}
	if c.HLS.ListSize < 3 || c.HLS.ListSize > 100 {
		return fmt.Errorf("hls.list_size must be between 3 and 100")
	}
	if c.HLS.OutputDir == "" {
		return fmt.Errorf("hls.output_dir is required")
	}

	validModes := map[string]bool{"copy": true, "abr": true}
	if !validModes[c.Mux.Mode] {
		return fmt.Errorf("mux.mode must be one of: copy, abr")
	}
	if c.Mux.Mode == "abr" && len(c.Mux.ABRVariants) == 0 {
		c.Mux.ABRVariants = DefaultABRVariants()
	}
	for i, variant := range c.Mux.ABRVariants {
		if variant.Height <= 0 {
			return fmt.Errorf("mux.abr_variants[%d].height must be positive", i)
		}
	}
	if c.Mux.ABRGOPSize < 1 || c.Mux.ABRGOPSize > 300 {
		return fmt.Errorf("mux.abr_gop_size must be between 1 and 300")
	}
	if c.Mux.TransitionTimeout < 1.0 || c.Mux.TransitionTimeout > 120.0 {
		return fmt.Errorf("mux.transition_timeout must be between 1.0 and 120.0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "trace": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Icecast.Enabled {
		if c.Icecast.Host == "" || c.Icecast.Port == 0 {
			return fmt.Errorf("icecast.host and icecast.port are required when icecast.enabled is true")
		}
		validIcecastFormats := map[string]bool{"mp3": true, "aac": true}
		if !validIcecastFormats[c.Icecast.AudioFormat] {
			return fmt.Errorf("icecast.audio_format must be one of: mp3, aac")
		}
	}

	return nil
}
