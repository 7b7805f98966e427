// Package config loads the client configuration from YAML files or inline
// maps, expands environment references and decodes into typed structs.
package config

import (
	"fmt"
	"time"

	"github.com/agentarea/agentlink/pkg/a2a"
	"github.com/agentarea/agentlink/pkg/batch"
	"github.com/agentarea/agentlink/pkg/runtime"
	"github.com/agentarea/agentlink/pkg/transport"
)

// Config is the root client configuration.
type Config struct {
	Logging  LoggingConfig          `yaml:"logging"`
	Manager  ManagerConfig          `yaml:"manager"`
	Runtimes map[string]RuntimeSpec `yaml:"runtimes"`
	Batcher  BatcherSpec            `yaml:"batcher"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ManagerConfig tunes the runtime manager.
type ManagerConfig struct {
	// Active names the runtime preferred for submission.
	Active string `yaml:"active"`

	// CacheTTL and CacheSize tune the lazy runtime cache.
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// AuthSpec mirrors transport.AuthConfig in config form.
type AuthSpec struct {
	Type         string `yaml:"type"`
	Token        string `yaml:"token"`
	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// TransportSpec selects the wire transport for one runtime.
type TransportSpec struct {
	Type            string                               `yaml:"type"`
	Headers         map[string]string                    `yaml:"headers"`
	EndpointMapping map[string]transport.EndpointMapping `yaml:"endpoint_mapping"`
}

// RuntimeSpec configures one named runtime.
type RuntimeSpec struct {
	Protocol         string        `yaml:"protocol"`
	Endpoint         string        `yaml:"endpoint"`
	AgentID          string        `yaml:"agent_id"`
	Auth             AuthSpec      `yaml:"authentication"`
	Timeout          time.Duration `yaml:"timeout"`
	Retries          int           `yaml:"retries"`
	Transport        TransportSpec `yaml:"transport"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	CardPollInterval time.Duration `yaml:"card_poll_interval"`
	BatchSize        int           `yaml:"batch_size"`
	Streaming        bool          `yaml:"streaming"`
}

// BatcherSpec configures the message batcher.
type BatcherSpec struct {
	MaxBatchSize     int           `yaml:"max_batch_size"`
	MaxWaitTime      time.Duration `yaml:"max_wait_time"`
	HighWait         time.Duration `yaml:"high_wait"`
	NormalWait       time.Duration `yaml:"normal_wait"`
	LowWait          time.Duration `yaml:"low_wait"`
	CompressMinBytes int           `yaml:"compress_min_bytes"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
}

// RuntimeConfig converts the spec into a runtime.Config.
func (s RuntimeSpec) RuntimeConfig() runtime.Config {
	return runtime.Config{
		Endpoint: s.Endpoint,
		AgentID:  s.AgentID,
		Auth: transport.AuthConfig{
			Type:         transport.AuthType(s.Auth.Type),
			Token:        s.Auth.Token,
			APIKey:       s.Auth.APIKey,
			APIKeyHeader: s.Auth.APIKeyHeader,
			Username:     s.Auth.Username,
			Password:     s.Auth.Password,
		},
		Timeout: s.Timeout,
		Retries: s.Retries,
		Transport: runtime.TransportConfig{
			Kind:            transport.Kind(s.Transport.Type),
			Headers:         s.Transport.Headers,
			EndpointMapping: s.Transport.EndpointMapping,
		},
		PollInterval:     s.PollInterval,
		CardPollInterval: s.CardPollInterval,
		BatchSize:        s.BatchSize,
		Streaming:        s.Streaming,
	}
}

// BatchConfig converts the spec into a batch.Config.
func (s BatcherSpec) BatchConfig() batch.Config {
	windows := make(map[batch.Priority]time.Duration)
	if s.HighWait > 0 {
		windows[batch.PriorityHigh] = s.HighWait
	}
	if s.NormalWait > 0 {
		windows[batch.PriorityNormal] = s.NormalWait
	}
	if s.LowWait > 0 {
		windows[batch.PriorityLow] = s.LowWait
	}
	return batch.Config{
		MaxBatchSize:     s.MaxBatchSize,
		MaxWaitTime:      s.MaxWaitTime,
		Windows:          windows,
		CompressMinBytes: s.CompressMinBytes,
		RetryBaseDelay:   s.RetryBaseDelay,
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	for name, spec := range c.Runtimes {
		if spec.Endpoint == "" {
			return fmt.Errorf("config: runtime %q: endpoint is required", name)
		}
		switch a2a.Protocol(spec.Protocol) {
		case a2a.ProtocolA2A, a2a.ProtocolAgentArea, "":
		default:
			return fmt.Errorf("config: runtime %q: unknown protocol %q", name, spec.Protocol)
		}
	}
	if c.Manager.Active != "" {
		if _, ok := c.Runtimes[c.Manager.Active]; !ok {
			return fmt.Errorf("config: manager.active names unknown runtime %q", c.Manager.Active)
		}
	}
	return nil
}
