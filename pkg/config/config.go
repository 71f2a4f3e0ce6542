package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/si64-net/si64/pkg/model"
)

// Config carries every tunable of the coordinator. Values come from the
// environment (SI64_ prefixed), optionally seeded from a .env file.
type Config struct {
	// AccessKey authenticates node handshakes and operator API calls.
	// The process refuses to start without one.
	AccessKey string

	ListenAddress string
	RedisURL      string
	DatabasePath  string

	// Economics.
	WorkerFeePercent float64
	ProtocolTax      float64
	BountyPerJob     float64
	MaxBounty        float64

	// Settlement.
	SolanaRPCURL    string
	KeypairPath     string
	SimulationMode  bool
	PayoutRateDelay time.Duration

	// Liveness.
	HeartbeatInterval time.Duration
	LivenessTTL       time.Duration
	ReapInterval      time.Duration

	// Sentinel.
	MinStake        float64
	TTSBudgets      map[model.HardwareClass]time.Duration
	ExemptJobTypes  []string
	MaxSafeTempC    float64
	RequestsPerMin  float64
	DispatchPinTTL  time.Duration
	BountyRecordTTL time.Duration
}

const envPrefix = "SI64"

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", "0.0.0.0:8473")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("database_path", "si64_vault.db")

	v.SetDefault("worker_fee_percent", 0.90)
	v.SetDefault("protocol_tax", 0.10)
	v.SetDefault("bounty_per_job", 0.0001)
	v.SetDefault("max_bounty", 10.0)

	v.SetDefault("solana_rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("keypair_path", "")
	v.SetDefault("simulation_mode", true)
	v.SetDefault("payout_rate_delay", 2*time.Second)

	v.SetDefault("heartbeat_interval", 2*time.Second)
	v.SetDefault("liveness_ttl", 10*time.Second)
	v.SetDefault("reap_interval", 30*time.Second)

	v.SetDefault("min_stake", 0.0)
	v.SetDefault("tts_budget_embedded_arm", 120*time.Second)
	v.SetDefault("tts_budget_apple_silicon", 60*time.Second)
	v.SetDefault("tts_budget_standard_gpu", 30*time.Second)
	v.SetDefault("exempt_job_types", []string{"SYSTEM_PROBE", "CALIBRATION"})
	v.SetDefault("max_safe_temp_c", 85.0)
	v.SetDefault("requests_per_min", 120.0)
	v.SetDefault("dispatch_pin_ttl", 1*time.Hour)
	v.SetDefault("bounty_record_ttl", 24*time.Hour)
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded environment from .env")
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		AccessKey:         v.GetString("access_key"),
		ListenAddress:     v.GetString("listen_address"),
		RedisURL:          v.GetString("redis_url"),
		DatabasePath:      v.GetString("database_path"),
		WorkerFeePercent:  v.GetFloat64("worker_fee_percent"),
		ProtocolTax:       v.GetFloat64("protocol_tax"),
		BountyPerJob:      v.GetFloat64("bounty_per_job"),
		MaxBounty:         v.GetFloat64("max_bounty"),
		SolanaRPCURL:      v.GetString("solana_rpc_url"),
		KeypairPath:       v.GetString("keypair_path"),
		SimulationMode:    v.GetBool("simulation_mode"),
		PayoutRateDelay:   v.GetDuration("payout_rate_delay"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		LivenessTTL:       v.GetDuration("liveness_ttl"),
		ReapInterval:      v.GetDuration("reap_interval"),
		MinStake:          v.GetFloat64("min_stake"),
		TTSBudgets: map[model.HardwareClass]time.Duration{
			model.HardwareClassEmbeddedARM:  v.GetDuration("tts_budget_embedded_arm"),
			model.HardwareClassAppleSilicon: v.GetDuration("tts_budget_apple_silicon"),
			model.HardwareClassStandardGPU:  v.GetDuration("tts_budget_standard_gpu"),
		},
		ExemptJobTypes:  v.GetStringSlice("exempt_job_types"),
		MaxSafeTempC:    v.GetFloat64("max_safe_temp_c"),
		RequestsPerMin:  v.GetFloat64("requests_per_min"),
		DispatchPinTTL:  v.GetDuration("dispatch_pin_ttl"),
		BountyRecordTTL: v.GetDuration("bounty_record_ttl"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants the rest of the system assumes,
// reporting every violation at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.AccessKey == "" {
		result = multierror.Append(result, fmt.Errorf("%s_ACCESS_KEY must be set", envPrefix))
	}
	if c.WorkerFeePercent < 0 || c.WorkerFeePercent > 1 {
		result = multierror.Append(result, fmt.Errorf("worker_fee_percent %f outside [0,1]", c.WorkerFeePercent))
	}
	if c.ProtocolTax < 0 || c.ProtocolTax > 1 {
		result = multierror.Append(result, fmt.Errorf("protocol_tax %f outside [0,1]", c.ProtocolTax))
	}
	if c.LivenessTTL < c.HeartbeatInterval {
		result = multierror.Append(result, fmt.Errorf("liveness_ttl %s shorter than heartbeat_interval %s",
			c.LivenessTTL, c.HeartbeatInterval))
	}
	if !c.SimulationMode && c.KeypairPath == "" {
		result = multierror.Append(result, fmt.Errorf("keypair_path required when simulation_mode is off"))
	}
	return result.ErrorOrNil()
}

// TTSBudget returns the time-to-settlement budget for a hardware class,
// zero when the class has no budget configured.
func (c *Config) TTSBudget(hw model.HardwareClass) time.Duration {
	return c.TTSBudgets[hw]
}

// IsExemptJobType reports whether a job type bypasses the sentinel's
// timing gate.
func (c *Config) IsExemptJobType(jobType string) bool {
	for _, t := range c.ExemptJobTypes {
		if t == jobType {
			return true
		}
	}
	return false
}
