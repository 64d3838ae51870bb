// Package config is the Configuration Store: it loads the deployctl YAML
// file, applies defaults, rejects unrecognised shapes at load time and
// resolves a project+environment to its deployment metadata.
package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/GoCodeAlone/deployctl/backup"
	"github.com/GoCodeAlone/deployctl/health"
	"github.com/GoCodeAlone/deployctl/hooks"
	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/GoCodeAlone/deployctl/retry"
	"github.com/GoCodeAlone/deployctl/router"
	"github.com/GoCodeAlone/deployctl/secrets"
	"gopkg.in/yaml.v3"
)

// Sentinel errors returned by Environment.
var (
	ErrUnknownProject     = errors.New("config: unknown project")
	ErrUnknownEnvironment = errors.New("config: unknown environment")
)

// Strategy names.
const (
	StrategyAtomic    = "atomic"
	StrategyRolling   = "rolling"
	StrategyBlueGreen = "blue_green"
)

// Defaults applied to environments that leave the field unset.
const (
	DefaultKeepReleases = 5
	DefaultTimeout      = 30 * time.Minute
	DefaultSource       = "."
)

// Config is the whole deployctl configuration file.
type Config struct {
	Ledger    LedgerConfig        `json:"ledger" yaml:"ledger"`
	Lock      LockConfig          `json:"lock" yaml:"lock"`
	SSH       SSHConfig           `json:"ssh" yaml:"ssh"`
	Secrets   SecretsConfig       `json:"secrets" yaml:"secrets"`
	Telemetry TelemetryConfig     `json:"telemetry" yaml:"telemetry"`
	Projects  map[string]*Project `json:"projects" yaml:"projects"`

	digest string
}

// LedgerConfig selects the Version Ledger backend.
type LedgerConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// LockConfig selects the activation lock backend.
type LockConfig struct {
	// Driver is memory, redis or postgres.
	Driver  string        `json:"driver" yaml:"driver"`
	Address string        `json:"address,omitempty" yaml:"address,omitempty"`
	DSN     string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	TTL     time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// SSHConfig holds defaults for the SSH channel.
type SSHConfig struct {
	User                  string        `json:"user,omitempty" yaml:"user,omitempty"`
	KnownHosts            string        `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool          `json:"insecure_ignore_host_key,omitempty" yaml:"insecure_ignore_host_key,omitempty"`
	DialTimeout           time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
	// Local runs every host operation on this machine instead of over SSH.
	Local bool `json:"local,omitempty" yaml:"local,omitempty"`
}

// SecretsConfig configures the providers used to resolve auth_ref values.
type SecretsConfig struct {
	Vault   *secrets.VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
	FileDir string               `json:"file_dir,omitempty" yaml:"file_dir,omitempty"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	ServiceName  string  `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	OTLPEndpoint string  `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
	Insecure     bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SampleRate   float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Pushgateway  string  `json:"pushgateway,omitempty" yaml:"pushgateway,omitempty"`
	Job          string  `json:"job,omitempty" yaml:"job,omitempty"`
}

// Project groups the environments of one deployable code base.
type Project struct {
	// Source is the local directory synchronized to hosts.
	Source       string                  `json:"source,omitempty" yaml:"source,omitempty"`
	Environments map[string]*Environment `json:"environments" yaml:"environments"`
}

// Environment is everything the deployment core needs to deploy one
// project to one environment.
type Environment struct {
	Project string `json:"-" yaml:"-"`
	Name    string `json:"-" yaml:"-"`

	Source         string        `json:"source,omitempty" yaml:"source,omitempty"`
	Strategy       string        `json:"strategy" yaml:"strategy"`
	DeployPath     string        `json:"deploy_path" yaml:"deploy_path"`
	URL            string        `json:"url,omitempty" yaml:"url,omitempty"`
	KeepReleases   int           `json:"keep_releases,omitempty" yaml:"keep_releases,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Excludes       []string      `json:"excludes,omitempty" yaml:"excludes,omitempty"`
	BuildCommand   string        `json:"build_command,omitempty" yaml:"build_command,omitempty"`
	MigrateCommand string        `json:"migrate_command,omitempty" yaml:"migrate_command,omitempty"`
	OpsPerSecond   float64       `json:"ops_per_second,omitempty" yaml:"ops_per_second,omitempty"`
	Retry          *retry.Policy `json:"retry,omitempty" yaml:"retry,omitempty"`
	Hosts          []remote.Host `json:"hosts" yaml:"hosts"`

	Rolling   RollingConfig    `json:"rolling,omitempty" yaml:"rolling,omitempty"`
	BlueGreen *BlueGreenConfig `json:"blue_green,omitempty" yaml:"blue_green,omitempty"`
	Backup    backup.Config    `json:"backup,omitempty" yaml:"backup,omitempty"`
	Hooks     HooksConfig      `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Health    HealthConfig     `json:"health,omitempty" yaml:"health,omitempty"`
}

// RollingConfig configures the rolling strategy.
type RollingConfig struct {
	// BatchSize of zero puts every host in one batch.
	BatchSize   int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	// MaxFailureRate is the fraction of a batch allowed to fail before the
	// rollout halts.
	MaxFailureRate float64 `json:"max_failure_rate,omitempty" yaml:"max_failure_rate,omitempty"`
	// ByRole keeps every batch within one host role. Roles roll out in the
	// order they first appear in the host list.
	ByRole bool `json:"by_role,omitempty" yaml:"by_role,omitempty"`
}

// BlueGreenConfig configures the blue-green strategy.
type BlueGreenConfig struct {
	GracePeriod time.Duration                `json:"grace_period,omitempty" yaml:"grace_period,omitempty"`
	Colors      map[router.Color]ColorConfig `json:"colors" yaml:"colors"`
	Router      router.Config                `json:"router" yaml:"router"`
}

// ColorConfig locates one color on the hosts and on the network.
type ColorConfig struct {
	// Path is the color's deploy path on every host.
	Path string `json:"path" yaml:"path"`
	// URL reaches the color directly, bypassing the router.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// Role limits the color to the hosts carrying that role. Empty means
	// every host holds both colors.
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
}

// HooksConfig holds the hook lists of the two lifecycle points.
type HooksConfig struct {
	PreDeploy  []hooks.Hook `json:"pre_deploy,omitempty" yaml:"pre_deploy,omitempty"`
	PostDeploy []hooks.Hook `json:"post_deploy,omitempty" yaml:"post_deploy,omitempty"`
}

// HealthConfig holds the verification checks.
type HealthConfig struct {
	// MinPassRatio is the quorum; zero requires every check to pass.
	MinPassRatio float64        `json:"min_pass_ratio,omitempty" yaml:"min_pass_ratio,omitempty"`
	Checks       []health.Check `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// Load decodes and validates a configuration. Unknown keys are rejected.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	sum := sha256.Sum256(data)
	cfg.digest = hex.EncodeToString(sum[:])
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile loads the configuration at path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Digest returns the SHA256 hex digest of the loaded file.
func (c *Config) Digest() string { return c.digest }

func (c *Config) applyDefaults() {
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "deployctl"
	}
	for pname, p := range c.Projects {
		if p == nil {
			continue
		}
		for ename, env := range p.Environments {
			if env == nil {
				continue
			}
			env.Project, env.Name = pname, ename
			if env.Source == "" {
				env.Source = p.Source
			}
			if env.Source == "" {
				env.Source = DefaultSource
			}
			if env.Strategy == "" {
				env.Strategy = StrategyAtomic
			}
			if env.KeepReleases == 0 {
				env.KeepReleases = DefaultKeepReleases
			}
			if env.Timeout == 0 {
				env.Timeout = DefaultTimeout
			}
			if env.Rolling.MaxParallel == 0 {
				env.Rolling.MaxParallel = env.Rolling.BatchSize
			}
		}
	}
}

// Environment resolves project+env. It returns ErrUnknownProject or
// ErrUnknownEnvironment when either is missing.
func (c *Config) Environment(project, env string) (*Environment, error) {
	p, ok := c.Projects[project]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProject, project)
	}
	e, ok := p.Environments[env]
	if !ok || e == nil {
		return nil, fmt.Errorf("%w: %q in project %q", ErrUnknownEnvironment, env, project)
	}
	return e, nil
}

// RetryPolicy returns the environment's policy or retry.DefaultPolicy.
func (e *Environment) RetryPolicy() retry.Policy {
	if e.Retry != nil {
		return *e.Retry
	}
	return retry.DefaultPolicy()
}

// Primary returns the first host, used for run_on: primary hooks, backups
// and migrations.
func (e *Environment) Primary() remote.Host {
	if len(e.Hosts) == 0 {
		return remote.Host{}
	}
	return e.Hosts[0]
}

// ColorHosts returns the hosts that hold color.
func (e *Environment) ColorHosts(color router.Color) []remote.Host {
	if e.BlueGreen == nil {
		return e.Hosts
	}
	role := e.BlueGreen.Colors[color].Role
	if role == "" {
		return e.Hosts
	}
	var out []remote.Host
	for _, h := range e.Hosts {
		if h.Role == role {
			out = append(out, h)
		}
	}
	return out
}

// ColorPrimary returns the first host of color.
func (e *Environment) ColorPrimary(color router.Color) remote.Host {
	if hosts := e.ColorHosts(color); len(hosts) > 0 {
		return hosts[0]
	}
	return e.Primary()
}

// MultiHost reports whether the strategy coordinates more than one host.
func (e *Environment) MultiHost() bool {
	return e.Strategy != StrategyAtomic || len(e.Hosts) > 1
}
