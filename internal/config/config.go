// Package config loads node settings from MESH_* environment variables,
// optionally seeded from a dotenv file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"bitchatmesh/internal/logging"
	"bitchatmesh/internal/mesh"
	"bitchatmesh/internal/network"
	"bitchatmesh/internal/proto"
)

const Prefix = "MESH"

// minFrameSize leaves room for a fragment header and a useful chunk.
const minFrameSize = 128

type Config struct {
	Home     string   `envconfig:"HOME"`
	Nickname string   `envconfig:"NICKNAME" default:"anon"`
	Listen   string   `envconfig:"LISTEN_ADDR" default:"0.0.0.0:4747"`
	Peers    []string `envconfig:"PEERS"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	MetricsAddr  string `envconfig:"METRICS_ADDR"`
	PprofAddr    string `envconfig:"PPROF_ADDR"`
	DebugPublic  bool   `envconfig:"DEBUG_ALLOW_PUBLIC" default:"false"`
	SnapshotPath string `envconfig:"SNAPSHOT_PATH"`

	MaxFrameSize      int           `envconfig:"MAX_FRAME_SIZE" default:"512"`
	DefaultTTL        uint8         `envconfig:"DEFAULT_TTL" default:"7"`
	QueueDepth        int           `envconfig:"QUEUE_DEPTH" default:"256"`
	RequireSignatures bool          `envconfig:"REQUIRE_SIGNATURES" default:"true"`
	FragmentTimeout   time.Duration `envconfig:"FRAGMENT_TIMEOUT" default:"30s"`
	HandshakeTimeout  time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`
	PeerTimeout       time.Duration `envconfig:"PEER_TIMEOUT" default:"3m"`
	DedupPerSender    int           `envconfig:"DEDUP_PER_SENDER" default:"256"`

	StoreFwdPerPeer int           `envconfig:"STOREFWD_PER_PEER" default:"100"`
	StoreFwdTTL     time.Duration `envconfig:"STOREFWD_TTL" default:"12h"`

	GossipCapacity     int           `envconfig:"GOSSIP_CAPACITY" default:"1024"`
	GossipFPRate       float64       `envconfig:"GOSSIP_FP_RATE" default:"0.01"`
	GossipMaxFilter    int           `envconfig:"GOSSIP_MAX_FILTER_BYTES" default:"400"`
	GossipInterval     time.Duration `envconfig:"GOSSIP_INTERVAL" default:"30s"`
	GossipInitialDelay time.Duration `envconfig:"GOSSIP_INITIAL_DELAY" default:"5s"`

	AnnounceInterval    time.Duration `envconfig:"ANNOUNCE_INTERVAL" default:"30s"`
	MaintenanceInterval time.Duration `envconfig:"MAINTENANCE_INTERVAL" default:"5s"`

	MaxConnsPerIP int    `envconfig:"MAX_CONNS_PER_IP" default:"4"`
	MaxConns      int    `envconfig:"MAX_CONNS" default:"64"`
	Insecure      bool   `envconfig:"INSECURE" default:"false"`
	CAPath        string `envconfig:"DEVTLS_CA_PATH"`
}

// Load reads envFile when it exists, then the environment. Variables
// already set win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if cfg.Home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home: %w", err)
		}
		cfg.Home = filepath.Join(dir, ".bitchatmesh")
	}
	cfg.Peers = compact(cfg.Peers)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Nickname) == "" {
		errs = append(errs, errors.New("nickname must not be empty"))
	}
	if len(c.Nickname) > 255 {
		errs = append(errs, errors.New("nickname longer than 255 bytes"))
	}
	if c.MaxFrameSize < minFrameSize || c.MaxFrameSize > proto.MaxFrameSize {
		errs = append(errs, fmt.Errorf("max_frame_size must be in [%d, %d]", minFrameSize, proto.MaxFrameSize))
	}
	if c.DefaultTTL == 0 {
		errs = append(errs, errors.New("default_ttl must be > 0"))
	}
	if c.GossipFPRate <= 0 || c.GossipFPRate >= 1 {
		errs = append(errs, errors.New("gossip_fp_rate must be in (0, 1)"))
	}
	for name, d := range map[string]time.Duration{
		"fragment_timeout":     c.FragmentTimeout,
		"handshake_timeout":    c.HandshakeTimeout,
		"peer_timeout":         c.PeerTimeout,
		"storefwd_ttl":         c.StoreFwdTTL,
		"gossip_interval":      c.GossipInterval,
		"announce_interval":    c.AnnounceInterval,
		"maintenance_interval": c.MaintenanceInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	for name, n := range map[string]int{
		"queue_depth":             c.QueueDepth,
		"dedup_per_sender":        c.DedupPerSender,
		"storefwd_per_peer":       c.StoreFwdPerPeer,
		"gossip_capacity":         c.GossipCapacity,
		"gossip_max_filter_bytes": c.GossipMaxFilter,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	if _, err := logging.New(c.Logging()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat}
}

// EngineOptions maps the protocol settings. Logger, metrics, sinks and
// favorites are left for the caller.
func (c Config) EngineOptions() mesh.Options {
	return mesh.Options{
		MaxFrameSize:        c.MaxFrameSize,
		DefaultTTL:          c.DefaultTTL,
		QueueDepth:          c.QueueDepth,
		RequireSignatures:   c.RequireSignatures,
		FragmentTimeout:     c.FragmentTimeout,
		HandshakeTimeout:    c.HandshakeTimeout,
		PeerTimeout:         c.PeerTimeout,
		DedupPerSender:      c.DedupPerSender,
		StoreFwdPerPeer:     c.StoreFwdPerPeer,
		StoreFwdTTL:         c.StoreFwdTTL,
		GossipCapacity:      c.GossipCapacity,
		GossipFPRate:        c.GossipFPRate,
		GossipMaxFilter:     c.GossipMaxFilter,
		GossipInterval:      c.GossipInterval,
		GossipInitialDelay:  c.GossipInitialDelay,
		AnnounceInterval:    c.AnnounceInterval,
		MaintenanceInterval: c.MaintenanceInterval,
	}
}

func (c Config) TransportOptions() network.Options {
	return network.Options{
		MaxFrameSize:     proto.MaxFrameSize,
		MaxConnsPerIP:    c.MaxConnsPerIP,
		MaxConns:         c.MaxConns,
		HandshakeTimeout: c.HandshakeTimeout,
		Insecure:         c.Insecure,
		CAPath:           c.CAPath,
	}
}

func (c Config) FavoritesPath() string {
	return filepath.Join(c.Home, "favorites.jsonl")
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
