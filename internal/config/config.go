package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/witnz/quorum/internal/consensus"
	"github.com/witnz/quorum/internal/guard"
	"github.com/witnz/quorum/internal/replog"
	"github.com/witnz/quorum/internal/types"
)

type Config struct {
	Node         NodeConfig         `mapstructure:"node"`
	Cluster      ClusterConfig      `mapstructure:"cluster"`
	Consensus    ConsensusConfig    `mapstructure:"consensus"`
	Guard        guard.Config       `mapstructure:"guard"`
	Log          LogConfig          `mapstructure:"log"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	Journal      JournalConfig      `mapstructure:"journal"`
}

type NodeConfig struct {
	ID      string `mapstructure:"id"`
	DataDir string `mapstructure:"data_dir"`
	// KeySeed is the hex encoded signing seed of this node.
	KeySeed string `mapstructure:"key_seed"`
}

type MemberConfig struct {
	Name      string `mapstructure:"name"`
	PublicKey string `mapstructure:"public_key"`
}

type ClusterConfig struct {
	Name    string         `mapstructure:"name"`
	Members []MemberConfig `mapstructure:"members"`
	// DevKeys derives every key from the member name. Only for local
	// clusters and simulation.
	DevKeys bool `mapstructure:"dev_keys"`
}

type ConsensusConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	BatchTimeout       time.Duration `mapstructure:"batch_timeout"`
	CheckpointInterval uint64        `mapstructure:"checkpoint_interval"`
	MaxLogSize         int           `mapstructure:"max_log_size"`
	ViewTimeout        time.Duration `mapstructure:"view_timeout"`
	MaxRounds          int           `mapstructure:"max_rounds"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
}

type LogConfig struct {
	Backend       string        `mapstructure:"backend"`
	ScrubInterval time.Duration `mapstructure:"scrub_interval"`
}

type OrchestratorConfig struct {
	ApplyTimeout        time.Duration `mapstructure:"apply_timeout"`
	WaiterTTL           time.Duration `mapstructure:"waiter_ttl"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type JournalConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Table    string         `mapstructure:"table"`
	Database DatabaseConfig `mapstructure:"database"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// Default returns a configuration with every tunable set. Load starts from
// it, so a file only needs to name what it changes.
func Default() Config {
	cc := consensus.DefaultConfig()
	return Config{
		Node: NodeConfig{DataDir: "./data"},
		Cluster: ClusterConfig{
			Name: "quorum",
		},
		Consensus: ConsensusConfig{
			BatchSize:          cc.BatchSize,
			BatchTimeout:       cc.BatchTimeout,
			CheckpointInterval: cc.CheckpointInterval,
			MaxLogSize:         cc.MaxLogSize,
			ViewTimeout:        cc.ViewTimeout,
			MaxRounds:          cc.MaxRounds,
			TickInterval:       cc.TickInterval,
		},
		Guard: guard.DefaultConfig(),
		Log: LogConfig{
			Backend:       string(replog.BackendBolt),
			ScrubInterval: 5 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			ApplyTimeout:        30 * time.Second,
			WaiterTTL:           5 * time.Minute,
			MaintenanceInterval: 30 * time.Second,
			SweepInterval:       10 * time.Second,
		},
		Journal: JournalConfig{
			Table: "quorum_journal",
			Database: DatabaseConfig{
				Port: 5432,
			},
		},
	}
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	config := Default()
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if len(c.Cluster.Members) == 0 {
		return fmt.Errorf("cluster.members is required")
	}

	seen := make(map[string]bool, len(c.Cluster.Members))
	self := false
	for _, m := range c.Cluster.Members {
		if m.Name == "" {
			return fmt.Errorf("cluster.members: name is required")
		}
		if seen[m.Name] {
			return fmt.Errorf("cluster.members: duplicate member %s", m.Name)
		}
		seen[m.Name] = true
		if m.Name == c.Node.ID {
			self = true
		}
		if !c.Cluster.DevKeys && m.PublicKey == "" {
			return fmt.Errorf("cluster.members: public_key of %s is required unless dev_keys is set", m.Name)
		}
	}
	if !self {
		return fmt.Errorf("node.id %s is not listed in cluster.members", c.Node.ID)
	}
	if !c.Cluster.DevKeys {
		if c.Node.KeySeed == "" {
			return fmt.Errorf("node.key_seed is required unless cluster.dev_keys is set")
		}
		if _, err := hex.DecodeString(c.Node.KeySeed); err != nil {
			return fmt.Errorf("node.key_seed must be hex encoded: %w", err)
		}
	}

	switch replog.Backend(c.Log.Backend) {
	case replog.BackendBolt, replog.BackendRaftBolt, replog.BackendMemory:
	case "":
		c.Log.Backend = string(replog.BackendBolt)
	default:
		return fmt.Errorf("invalid log backend: %s (valid options: bolt, raft-boltdb, memory)", c.Log.Backend)
	}

	if c.Log.ScrubInterval <= 0 {
		return fmt.Errorf("log.scrub_interval must be positive")
	}
	if c.Orchestrator.ApplyTimeout <= 0 {
		return fmt.Errorf("orchestrator.apply_timeout must be positive")
	}
	if c.Orchestrator.WaiterTTL <= 0 {
		return fmt.Errorf("orchestrator.waiter_ttl must be positive")
	}
	if c.Orchestrator.MaintenanceInterval <= 0 {
		return fmt.Errorf("orchestrator.maintenance_interval must be positive")
	}
	if c.Orchestrator.SweepInterval <= 0 {
		return fmt.Errorf("orchestrator.sweep_interval must be positive")
	}

	if err := c.Guard.Validate(); err != nil {
		return fmt.Errorf("guard: %w", err)
	}

	if c.Journal.Enabled {
		if c.Journal.Database.Host == "" {
			return fmt.Errorf("journal.database.host is required")
		}
		if c.Journal.Database.Database == "" {
			return fmt.Errorf("journal.database.database is required")
		}
		if c.Journal.Database.User == "" {
			return fmt.Errorf("journal.database.user is required")
		}
	}

	cc := c.ConsensusConfig()
	return cc.Validate()
}

func (c *Config) NodeID() types.NodeID {
	return types.NodeIDFromName(c.Node.ID)
}

// MemberIDs returns the ids of every cluster member in configuration order.
func (c *Config) MemberIDs() []types.NodeID {
	ids := make([]types.NodeID, 0, len(c.Cluster.Members))
	for _, m := range c.Cluster.Members {
		ids = append(ids, types.NodeIDFromName(m.Name))
	}
	return ids
}

func (c *Config) ConsensusConfig() consensus.Config {
	return consensus.Config{
		NodeID:             c.NodeID(),
		Members:            c.MemberIDs(),
		BatchSize:          c.Consensus.BatchSize,
		BatchTimeout:       c.Consensus.BatchTimeout,
		CheckpointInterval: c.Consensus.CheckpointInterval,
		MaxLogSize:         c.Consensus.MaxLogSize,
		ViewTimeout:        c.Consensus.ViewTimeout,
		MaxRounds:          c.Consensus.MaxRounds,
		TickInterval:       c.Consensus.TickInterval,
	}
}

func (c *Config) LogPath() string {
	return filepath.Join(c.Node.DataDir, "log.db")
}

func (c *Config) StatePath() string {
	return filepath.Join(c.Node.DataDir, "state.db")
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}
