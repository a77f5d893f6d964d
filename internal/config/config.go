// Package config loads runtime configuration for the negotiator daemon.
// Precedence: CLI flags > env vars > defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/flowpbx/negotiator/internal/codec"
)

// Config holds all runtime configuration for the negotiation daemon.
type Config struct {
	DataDir    string // directory for the negotiation history database
	HTTPPort   int    // debug/metrics HTTP listener
	SIPPort    int    // SIP UDP/TCP listen port
	RTPPortMin int    // minimum UDP port for RTP instances
	RTPPortMax int    // maximum UDP port for RTP instances
	ExternalIP string // public IP advertised in generated SDP
	LogLevel   string // debug, info, warn, error
	LogFormat  string // text or json

	// MaxAudioStreams..MaxTextStreams limit how many non-removed streams
	// of each type a pending topology may carry; excess slots are pruned
	// before any SDP is generated.
	MaxAudioStreams int
	MaxVideoStreams int
	MaxImageStreams int
	MaxTextStreams  int

	// BundleEnabled turns on RTP multiplex grouping (mids, BUNDLE groups).
	BundleEnabled bool

	// CodecPrefer/CodecOperation/CodecKeep/CodecTranscode select the joint
	// capability policy applied per stream during a refresh.
	CodecPrefer    string
	CodecOperation string
	CodecKeep      string
	CodecTranscode string

	// ReinviteRateLimit caps incoming re-INVITEs per second per call; 0
	// disables the guard.
	ReinviteRateLimit float64
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultSIPPort         = 5060
	defaultRTPPortMin      = 10000
	defaultRTPPortMax      = 20000
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultMaxAudioStreams = 1
	defaultMaxVideoStreams = 1
	defaultMaxImageStreams = 1
	defaultMaxTextStreams  = 0
	defaultReinviteRate    = 4.0
)

// envPrefix is the prefix for all negotiator environment variables.
const envPrefix = "NEGOTIATOR_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("negotiatord", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "directory for the negotiation history database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "debug/metrics HTTP listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP instances")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP instances")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for generated SDP (auto-detected if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&cfg.MaxAudioStreams, "max-audio-streams", defaultMaxAudioStreams, "maximum audio streams per call")
	fs.IntVar(&cfg.MaxVideoStreams, "max-video-streams", defaultMaxVideoStreams, "maximum video streams per call")
	fs.IntVar(&cfg.MaxImageStreams, "max-image-streams", defaultMaxImageStreams, "maximum image (fax) streams per call")
	fs.IntVar(&cfg.MaxTextStreams, "max-text-streams", defaultMaxTextStreams, "maximum text streams per call")
	fs.BoolVar(&cfg.BundleEnabled, "bundle", false, "enable RTP multiplex (BUNDLE) grouping")
	fs.StringVar(&cfg.CodecPrefer, "codec-prefer", string(codec.PreferRemote), "codec list that leads the joint set (local, remote)")
	fs.StringVar(&cfg.CodecOperation, "codec-operation", string(codec.OperationIntersect), "codec list combination (intersect, union, only_preferred, only_nonpreferred)")
	fs.StringVar(&cfg.CodecKeep, "codec-keep", string(codec.KeepAll), "how much of the joint codec set to keep (all, first)")
	fs.StringVar(&cfg.CodecTranscode, "codec-transcode", string(codec.TranscodeAllow), "whether one-sided codecs may survive (allow, prevent)")
	fs.Float64Var(&cfg.ReinviteRateLimit, "reinvite-rate-limit", defaultReinviteRate, "incoming re-INVITEs per second per call (0 disables)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":            envPrefix + "DATA_DIR",
		"http-port":           envPrefix + "HTTP_PORT",
		"sip-port":            envPrefix + "SIP_PORT",
		"rtp-port-min":        envPrefix + "RTP_PORT_MIN",
		"rtp-port-max":        envPrefix + "RTP_PORT_MAX",
		"external-ip":         envPrefix + "EXTERNAL_IP",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
		"max-audio-streams":   envPrefix + "MAX_AUDIO_STREAMS",
		"max-video-streams":   envPrefix + "MAX_VIDEO_STREAMS",
		"max-image-streams":   envPrefix + "MAX_IMAGE_STREAMS",
		"max-text-streams":    envPrefix + "MAX_TEXT_STREAMS",
		"bundle":              envPrefix + "BUNDLE",
		"codec-prefer":        envPrefix + "CODEC_PREFER",
		"codec-operation":     envPrefix + "CODEC_OPERATION",
		"codec-keep":          envPrefix + "CODEC_KEEP",
		"codec-transcode":     envPrefix + "CODEC_TRANSCODE",
		"reinvite-rate-limit": envPrefix + "REINVITE_RATE_LIMIT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "external-ip":
			cfg.ExternalIP = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "max-audio-streams":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxAudioStreams = v
			}
		case "max-video-streams":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxVideoStreams = v
			}
		case "max-image-streams":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxImageStreams = v
			}
		case "max-text-streams":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxTextStreams = v
			}
		case "bundle":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.BundleEnabled = v
			}
		case "codec-prefer":
			cfg.CodecPrefer = val
		case "codec-operation":
			cfg.CodecOperation = val
		case "codec-keep":
			cfg.CodecKeep = val
		case "codec-transcode":
			cfg.CodecTranscode = val
		case "reinvite-rate-limit":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.ReinviteRateLimit = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	for name, v := range map[string]int{
		"max-audio-streams": c.MaxAudioStreams,
		"max-video-streams": c.MaxVideoStreams,
		"max-image-streams": c.MaxImageStreams,
		"max-text-streams":  c.MaxTextStreams,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	if c.MaxAudioStreams == 0 && c.MaxVideoStreams == 0 && c.MaxImageStreams == 0 && c.MaxTextStreams == 0 {
		return fmt.Errorf("at least one stream type must allow streams")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	switch codec.Prefer(c.CodecPrefer) {
	case codec.PreferLocal, codec.PreferRemote:
	default:
		return fmt.Errorf("codec-prefer must be local or remote, got %q", c.CodecPrefer)
	}
	switch codec.Operation(c.CodecOperation) {
	case codec.OperationIntersect, codec.OperationUnion, codec.OperationOnlyPreferred, codec.OperationOnlyNonpreferred:
	default:
		return fmt.Errorf("codec-operation must be intersect, union, only_preferred or only_nonpreferred, got %q", c.CodecOperation)
	}
	switch codec.Keep(c.CodecKeep) {
	case codec.KeepAll, codec.KeepFirst:
	default:
		return fmt.Errorf("codec-keep must be all or first, got %q", c.CodecKeep)
	}
	switch codec.Transcode(c.CodecTranscode) {
	case codec.TranscodeAllow, codec.TranscodePrevent:
	default:
		return fmt.Errorf("codec-transcode must be allow or prevent, got %q", c.CodecTranscode)
	}

	if c.ReinviteRateLimit < 0 {
		return fmt.Errorf("reinvite-rate-limit must not be negative, got %v", c.ReinviteRateLimit)
	}

	return nil
}

// CodecPolicy returns the configured joint-capability policy.
func (c *Config) CodecPolicy() codec.Policy {
	return codec.Policy{
		Prefer:    codec.Prefer(c.CodecPrefer),
		Operation: codec.Operation(c.CodecOperation),
		Keep:      codec.Keep(c.CodecKeep),
		Transcode: codec.Transcode(c.CodecTranscode),
	}
}

// MediaIP returns the IP address to advertise in generated SDP. If
// ExternalIP is configured, it is returned directly; otherwise the primary
// non-loopback IPv4 address is detected, falling back to "127.0.0.1".
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// StreamLimit returns the configured cap on non-removed streams of a
// type. Unknown types get 0 (never negotiated).
func (c *Config) StreamLimit(typ string) int {
	switch typ {
	case "audio":
		return c.MaxAudioStreams
	case "video":
		return c.MaxVideoStreams
	case "image":
		return c.MaxImageStreams
	case "text":
		return c.MaxTextStreams
	}
	return 0
}

// SlogLevel returns the slog.Level corresponding to the configured level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
