// Package config provides configuration parsing and validation for
// sshmux: the rekey thresholds, transceiver buffer bounds, channel
// limits, and the five ordered algorithm-name lists spec.md §6 names.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the complete tunable surface of an sshmux client or
// server, backed by YAML.
type Config struct {
	Identification string `yaml:"identification"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Rekey      RekeyConfig      `yaml:"rekey"`
	Buffers    BufferConfig     `yaml:"buffers"`
	Channels   ChannelConfig    `yaml:"channels"`
	Algorithms AlgorithmsConfig `yaml:"algorithms"`
}

// RekeyConfig bounds the two independent rekey triggers spec.md §4.E
// describes: wall-clock interval and cumulative bytes per direction.
type RekeyConfig struct {
	Interval time.Duration `yaml:"interval"`
	Bytes    ByteSize      `yaml:"bytes"`
}

// BufferConfig bounds the transceiver's adaptive rx/tx buffers
// (spec.md §4.D). Max must be at least 35000, the absolute packet
// length bound spec.md §3 names.
type BufferConfig struct {
	RxMin ByteSize `yaml:"rx_min"`
	RxMax ByteSize `yaml:"rx_max"`
	TxMin ByteSize `yaml:"tx_min"`
	TxMax ByteSize `yaml:"tx_max"`
}

// ChannelConfig bounds the connection's channel table and the
// per-channel flow-control parameters it advertises (spec.md §4.G/H).
type ChannelConfig struct {
	MaxCount      int      `yaml:"max_count"`
	MaxBufferSize ByteSize `yaml:"max_buffer_size"`
	MaxPacketSize ByteSize `yaml:"max_packet_size"`

	// OutboundBytesPerSecond caps the aggregate MSG_CHANNEL_DATA send
	// rate across all of a connection's channels, 0 meaning unlimited.
	OutboundBytesPerSecond ByteSize `yaml:"outbound_bytes_per_second"`
}

// AlgorithmsConfig carries the five ordered name lists spec.md §4.E/§6
// negotiate, constrained at Validate time to the names this engine
// actually implements.
type AlgorithmsConfig struct {
	Kex                    []string `yaml:"kex"`
	HostKey                []string `yaml:"host_key"`
	EncryptionClientServer []string `yaml:"encryption_client_server"`
	EncryptionServerClient []string `yaml:"encryption_server_client"`
	Compression            []string `yaml:"compression"`
}

// ByteSize is an integer number of bytes that also accepts a
// humanized string ("256KB", "35000", "35 kb") when read from YAML.
type ByteSize uint64

// UnmarshalYAML accepts either a bare integer or a humanized string.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var asInt uint64
	if err := value.Decode(&asInt); err == nil {
		*b = ByteSize(asInt)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("config: byte size must be an integer or a size string: %w", err)
	}
	n, err := humanize.ParseBytes(asString)
	if err != nil {
		return fmt.Errorf("config: invalid byte size %q: %w", asString, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML renders as a humanized string so String() output stays
// readable.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.Bytes(uint64(b)), nil
}

// minPacketLengthBound is the absolute packet length bound spec.md §3
// names; buffer maximums must be at least this large.
const minPacketLengthBound = 35000

// supportedKex, supportedHostKey, supportedCiphers, supportedCompression
// are the only algorithm names this engine implements (spec.md §6);
// Validate rejects configured lists naming anything else.
var (
	supportedKex = map[string]bool{
		"curve25519-sha256@libssh.org": true,
		"curve25519-sha256":            true,
	}
	supportedHostKey = map[string]bool{
		"ssh-ed25519":                      true,
		"ssh-rsa":                          true,
		"ssh-ed25519-cert-v01@openssh.com": true,
	}
	supportedCiphers = map[string]bool{
		"chacha20-poly1305@openssh.com": true,
	}
	supportedCompression = map[string]bool{
		"none": true,
	}
)

// algorithmNameRe matches the RFC 4251 charset for a name-list entry:
// printable US-ASCII, no comma (the list separator) or whitespace.
var algorithmNameRe = regexp.MustCompile(`^[\x21-\x2b\x2d-\x7e]+$`)

// Default returns a Config with the values spec.md §6 calls out as
// defaults, plus the ambient log options every config in the pack
// carries.
func Default() *Config {
	return &Config{
		Identification: "SSH-2.0-sshmux",
		LogLevel:       "info",
		LogFormat:      "text",
		Rekey: RekeyConfig{
			Interval: time.Hour,
			Bytes:    ByteSize(1 << 30), // 1GiB
		},
		Buffers: BufferConfig{
			RxMin: ByteSize(minPacketLengthBound),
			RxMax: ByteSize(256 * 1024),
			TxMin: ByteSize(minPacketLengthBound),
			TxMax: ByteSize(256 * 1024),
		},
		Channels: ChannelConfig{
			MaxCount:      64,
			MaxBufferSize: ByteSize(1 << 20),
			MaxPacketSize: ByteSize(32 * 1024),
		},
		Algorithms: AlgorithmsConfig{
			Kex:                    []string{"curve25519-sha256@libssh.org", "curve25519-sha256"},
			HostKey:                []string{"ssh-ed25519-cert-v01@openssh.com", "ssh-ed25519", "ssh-rsa"},
			EncryptionClientServer: []string{"chacha20-poly1305@openssh.com"},
			EncryptionServerClient: []string{"chacha20-poly1305@openssh.com"},
			Compression:            []string{"none"},
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR} and
// $VAR environment references first, starting from Default(), and
// validating the merged result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR}, ${VAR:-default}, and $VAR references
// with their environment values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for internal consistency and
// returns every problem found, aggregated into one error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Identification) == 0 || len(c.Identification) > 253 {
		errs = append(errs, "identification must be 1-253 bytes (255 minus the CR LF terminator)")
	} else if !strings.HasPrefix(c.Identification, "SSH-2.0-") {
		errs = append(errs, "identification must start with \"SSH-2.0-\"")
	}

	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if c.Rekey.Interval < 0 {
		errs = append(errs, "rekey.interval must not be negative")
	}

	if c.Buffers.RxMax < minPacketLengthBound {
		errs = append(errs, fmt.Sprintf("buffers.rx_max must be at least %d", minPacketLengthBound))
	}
	if c.Buffers.TxMax < minPacketLengthBound {
		errs = append(errs, fmt.Sprintf("buffers.tx_max must be at least %d", minPacketLengthBound))
	}
	if c.Buffers.RxMin > c.Buffers.RxMax {
		errs = append(errs, "buffers.rx_min must not exceed buffers.rx_max")
	}
	if c.Buffers.TxMin > c.Buffers.TxMax {
		errs = append(errs, "buffers.tx_min must not exceed buffers.tx_max")
	}

	if c.Channels.MaxCount < 1 {
		errs = append(errs, "channels.max_count must be positive")
	}
	if c.Channels.MaxBufferSize < 1024 {
		errs = append(errs, "channels.max_buffer_size must be at least 1024")
	}
	if c.Channels.MaxPacketSize < 1024 {
		errs = append(errs, "channels.max_packet_size must be at least 1024")
	}

	errs = append(errs, validateAlgorithmList("algorithms.kex", c.Algorithms.Kex, supportedKex)...)
	errs = append(errs, validateAlgorithmList("algorithms.host_key", c.Algorithms.HostKey, supportedHostKey)...)
	errs = append(errs, validateAlgorithmList("algorithms.encryption_client_server", c.Algorithms.EncryptionClientServer, supportedCiphers)...)
	errs = append(errs, validateAlgorithmList("algorithms.encryption_server_client", c.Algorithms.EncryptionServerClient, supportedCiphers)...)
	errs = append(errs, validateAlgorithmList("algorithms.compression", c.Algorithms.Compression, supportedCompression)...)

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateAlgorithmList(field string, names []string, supported map[string]bool) []string {
	if len(names) == 0 {
		return []string{fmt.Sprintf("%s must list at least one algorithm", field)}
	}
	var errs []string
	for _, name := range names {
		if !algorithmNameRe.MatchString(name) {
			errs = append(errs, fmt.Sprintf("%s: %q is not a valid algorithm name", field, name))
			continue
		}
		if !supported[name] {
			errs = append(errs, fmt.Sprintf("%s: %q is not implemented by this engine", field, name))
		}
	}
	return errs
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String renders the config as YAML, suitable for logging at startup.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config marshal error: %v>", err)
	}
	return string(data)
}
