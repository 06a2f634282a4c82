package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"jobmesh/crypto"
)

// Environment variables that override file-provided secrets. Secrets never
// round-trip through the TOML file.
const (
	EnvNodeToken      = "JOBMESH_NODE_TOKEN"
	EnvGatewaySecret  = "JOBMESH_GATEWAY_SECRET"
	EnvKeystorePass   = "JOBMESH_KEYSTORE_PASSPHRASE"
	EnvWebhookSecret  = "JOBMESH_WEBHOOK_SECRET"
	EnvIdentityKeyPEM = "JOBMESH_IDENTITY_KEY_PEM"
)

type Config struct {
	ListenAddress        string `toml:"ListenAddress"`
	DataDir              string `toml:"DataDir"`
	DatabaseFile         string `toml:"DatabaseFile"`
	OperatorKeystorePath string `toml:"OperatorKeystorePath"`
	NetworkName          string `toml:"NetworkName"`

	Ledger   Ledger   `toml:"ledger"`
	Identity Identity `toml:"identity"`
	Content  Content  `toml:"content"`
	Gateway  Gateway  `toml:"gateway"`
	Disputes Disputes `toml:"disputes"`
	Windows  Windows  `toml:"windows"`
	Webhooks Webhooks `toml:"webhooks"`
	Logging  Logging  `toml:"logging"`

	// Populated from the environment, never persisted.
	NodeToken      string `toml:"-"`
	GatewaySecret  string `toml:"-"`
	KeystorePass   string `toml:"-"`
	WebhookSecret  string `toml:"-"`
	IdentityKeyPEM string `toml:"-"`
}

// Ledger points at the external escrow ledger node.
type Ledger struct {
	RPCURL         string `toml:"RPCURL"`
	TimeoutSeconds int    `toml:"TimeoutSeconds"`
}

// Identity points at the identity service that backs trust-tier lookups.
type Identity struct {
	BaseURL         string `toml:"BaseURL"`
	PublicKeyPath   string `toml:"PublicKeyPath"`
	CacheTTLSeconds int    `toml:"CacheTTLSeconds"`
}

// Content points at the read-only content services the evaluator queries.
type Content struct {
	BaseURL string `toml:"BaseURL"`
}

// Gateway names the API key and per-route rate limits for the HTTP surface.
// The key's shared secret comes from the environment, never this file.
type Gateway struct {
	APIKeyID        string `toml:"APIKeyID"`
	ReadPerMinute   int    `toml:"ReadPerMinute"`
	MutatePerMinute int    `toml:"MutatePerMinute"`
}

// Disputes configures the arbitration panel drawn for contested jobs.
type Disputes struct {
	Arbitrators       []string `toml:"Arbitrators"`
	PanelSize         int      `toml:"PanelSize"`
	VotingWindowHours int      `toml:"VotingWindowHours"`
}

// Windows holds the settlement timing knobs, all in hours except the sweep.
type Windows struct {
	ReviewHours          int `toml:"ReviewHours"`
	DisputeTimelockHours int `toml:"DisputeTimelockHours"`
	JobTTLHours          int `toml:"JobTTLHours"`
	SweepIntervalMinutes int `toml:"SweepIntervalMinutes"`
}

// Webhooks bounds the outbound notification queue.
type Webhooks struct {
	QueueCapacity   int      `toml:"QueueCapacity"`
	HistoryCapacity int      `toml:"HistoryCapacity"`
	TTLMinutes      int      `toml:"TTLMinutes"`
	Endpoints       []string `toml:"Endpoints"`
}

// Logging configures the structured log sink.
type Logging struct {
	Env      string `toml:"Env"`
	FilePath string `toml:"FilePath"`
	MaxSizeM int    `toml:"MaxSizeM"`
	MaxFiles int    `toml:"MaxFiles"`
}

// Load reads the configuration from the given path, creating a default file
// and operator keystore on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		created, err := createDefault(path)
		if err != nil {
			return nil, err
		}
		cfg = created
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
		if err := ensureKeystore(path, cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./jobmesh-data"
	}
	if strings.TrimSpace(cfg.DatabaseFile) == "" {
		cfg.DatabaseFile = filepath.Join(cfg.DataDir, "jobmesh.db")
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "jobmesh-local"
	}
	if cfg.Ledger.TimeoutSeconds <= 0 {
		cfg.Ledger.TimeoutSeconds = 10
	}
	if cfg.Identity.CacheTTLSeconds <= 0 {
		cfg.Identity.CacheTTLSeconds = 300
	}
	if cfg.Windows.ReviewHours <= 0 {
		cfg.Windows.ReviewHours = 24
	}
	if cfg.Windows.DisputeTimelockHours <= 0 {
		cfg.Windows.DisputeTimelockHours = 24
	}
	if cfg.Windows.JobTTLHours <= 0 {
		cfg.Windows.JobTTLHours = 24 * 7
	}
	if cfg.Windows.SweepIntervalMinutes <= 0 {
		cfg.Windows.SweepIntervalMinutes = 5
	}
	if cfg.Webhooks.QueueCapacity <= 0 {
		cfg.Webhooks.QueueCapacity = 1024
	}
	if cfg.Webhooks.HistoryCapacity <= 0 {
		cfg.Webhooks.HistoryCapacity = 256
	}
	if cfg.Webhooks.TTLMinutes <= 0 {
		cfg.Webhooks.TTLMinutes = 15
	}
	if strings.TrimSpace(cfg.Gateway.APIKeyID) == "" {
		cfg.Gateway.APIKeyID = "jobmesh-admin"
	}
	if cfg.Gateway.ReadPerMinute <= 0 {
		cfg.Gateway.ReadPerMinute = 600
	}
	if cfg.Gateway.MutatePerMinute <= 0 {
		cfg.Gateway.MutatePerMinute = 120
	}
	if cfg.Disputes.PanelSize <= 0 {
		cfg.Disputes.PanelSize = 3
	}
	if cfg.Disputes.VotingWindowHours <= 0 {
		cfg.Disputes.VotingWindowHours = 72
	}
	if strings.TrimSpace(cfg.Logging.Env) == "" {
		cfg.Logging.Env = "dev"
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvNodeToken); v != "" {
		cfg.NodeToken = v
	}
	if v := os.Getenv(EnvGatewaySecret); v != "" {
		cfg.GatewaySecret = v
	}
	if v := os.Getenv(EnvKeystorePass); v != "" {
		cfg.KeystorePass = v
	}
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv(EnvIdentityKeyPEM); v != "" {
		cfg.IdentityKeyPEM = v
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, os.Getenv(EnvKeystorePass)); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, os.Getenv(EnvKeystorePass)); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress: ":8080",
		DataDir:       "./jobmesh-data",
		NetworkName:   "jobmesh-local",
		Ledger: Ledger{
			RPCURL: "http://127.0.0.1:8545",
		},
		Identity: Identity{
			BaseURL: "http://127.0.0.1:8090",
		},
		Content: Content{
			BaseURL: "http://127.0.0.1:8091",
		},
	}
	cfg.OperatorKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
