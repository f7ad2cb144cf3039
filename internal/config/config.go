// Package config loads gridnode configuration from defaults, an optional
// YAML file and GRIDNODE_* environment variables, in that order of
// precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dreamware/gridcoord/internal/cluster"
	"github.com/dreamware/gridcoord/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g.
// GRIDNODE_LEADER_HOST=10.0.0.1.
const EnvPrefix = "GRIDNODE"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full configuration of a gridnode process. Each subcommand
// reads the sections it needs.
type Config struct {
	Node      EndpointConfig  `mapstructure:"node"`
	Leader    EndpointConfig  `mapstructure:"leader"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Transport TransportConfig `mapstructure:"transport"`
	Grid      GridConfig      `mapstructure:"grid"`
	Client    ClientConfig    `mapstructure:"client"`
	Swarm     SwarmConfig     `mapstructure:"swarm"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// EndpointConfig names the two listeners of a leader or follower. Port is
// the follower-facing port on a leader and the advertised port on a
// follower; ClientPort is where clients connect.
type EndpointConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	ClientPort int    `mapstructure:"client_port"`
}

// Address returns host:port.
func (e EndpointConfig) Address() cluster.Address {
	return cluster.Address{Host: e.Host, Port: e.Port}
}

// ClientAddress returns host:client_port.
func (e EndpointConfig) ClientAddress() cluster.Address {
	return cluster.Address{Host: e.Host, Port: e.ClientPort}
}

// AdmissionConfig lists, per role, the address ranges accepted. Entries are
// CIDRs or literal host prefixes.
type AdmissionConfig struct {
	FollowerRanges []string `mapstructure:"follower_ranges"`
	ClientRanges   []string `mapstructure:"client_ranges"`
}

// HeartbeatConfig tunes the leader's failure detector.
type HeartbeatConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxFailures int           `mapstructure:"max_failures"`
}

// TransportConfig applies to every connection.
type TransportConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RequestTimeout bounds relayed and client exchanges; 0 waits forever.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxFrameSize   uint32        `mapstructure:"max_frame_size"`
}

// GridConfig bounds the grid. Coordinates run from 0 to MaxX/MaxY
// inclusive; 0 leaves an axis unbounded.
type GridConfig struct {
	MaxX int `mapstructure:"max_x"`
	MaxY int `mapstructure:"max_y"`
}

// Point is a coordinate as written in configuration.
type Point struct {
	X int `mapstructure:"x"`
	Y int `mapstructure:"y"`
}

// Coordinate converts p.
func (p Point) Coordinate() cluster.Coordinate { return cluster.C(p.X, p.Y) }

// ClientConfig drives a single client. The client advertises Node.Host and
// Node.Port.
type ClientConfig struct {
	Entry         string        `mapstructure:"entry"`
	Start         Point         `mapstructure:"start"`
	Destination   Point         `mapstructure:"destination"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxRejections int           `mapstructure:"max_rejections"`
}

// SwarmConfig drives the many-clients harness.
type SwarmConfig struct {
	Entries    []string      `mapstructure:"entries"`
	HostPrefix string        `mapstructure:"host_prefix"`
	Clients    int           `mapstructure:"clients"`
	Port       int           `mapstructure:"port"`
	Spacing    time.Duration `mapstructure:"spacing"`
}

// New returns a viper instance with every default set and environment
// overrides enabled. Callers may bind command-line flags to it before
// calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v and returns the
// validated configuration. An empty path searches ./gridnode.yaml and
// /etc/gridnode/gridnode.yaml; not finding one is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gridnode")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gridnode")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults mirrors the reference deployment: a leader on 127.0.0.1,
// followers on 127.0.0.x, clients on 127.0.1.x; port 200 for cluster
// traffic and 201 for clients.
func setDefaults(v *viper.Viper) {
	v.SetDefault("node.host", "127.0.0.2")
	v.SetDefault("node.port", 200)
	v.SetDefault("node.client_port", 201)

	v.SetDefault("leader.host", "127.0.0.1")
	v.SetDefault("leader.port", 200)
	v.SetDefault("leader.client_port", 201)

	v.SetDefault("admission.follower_ranges", []string{"127.0.0.0/24"})
	v.SetDefault("admission.client_ranges", []string{"127.0.1.0/24"})

	v.SetDefault("heartbeat.interval", time.Second)
	v.SetDefault("heartbeat.timeout", 500*time.Millisecond)
	v.SetDefault("heartbeat.max_failures", 1)

	v.SetDefault("transport.write_timeout", 5*time.Second)
	v.SetDefault("transport.request_timeout", time.Duration(0))
	v.SetDefault("transport.max_frame_size", 1<<20)

	v.SetDefault("grid.max_x", 0)
	v.SetDefault("grid.max_y", 0)

	v.SetDefault("client.entry", "127.0.0.1:201")
	v.SetDefault("client.start.x", 1)
	v.SetDefault("client.start.y", 10)
	v.SetDefault("client.destination.x", 50)
	v.SetDefault("client.destination.y", 5)
	v.SetDefault("client.poll_interval", 50*time.Millisecond)
	v.SetDefault("client.max_rejections", 0)

	v.SetDefault("swarm.entries", []string{"127.0.0.1:201", "127.0.0.2:201", "127.0.0.3:201"})
	v.SetDefault("swarm.host_prefix", "127.0.1.")
	v.SetDefault("swarm.clients", 52)
	v.SetDefault("swarm.port", 200)
	v.SetDefault("swarm.spacing", 30*time.Millisecond)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks every section. It does not know which subcommand will
// run, so it only rejects values that are wrong for all of them.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	for name, e := range map[string]EndpointConfig{"node": c.Node, "leader": c.Leader} {
		check(e.Host != "", "%s.host is required", name)
		check(validPort(e.Port), "%s.port %d out of range", name, e.Port)
		check(validPort(e.ClientPort), "%s.client_port %d out of range", name, e.ClientPort)
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, fmt.Errorf("%w: admission: %v", ErrInvalid, err))
	}

	check(c.Heartbeat.Interval > 0, "heartbeat.interval must be positive")
	check(c.Heartbeat.Timeout > 0, "heartbeat.timeout must be positive")
	check(c.Heartbeat.MaxFailures > 0, "heartbeat.max_failures must be positive")
	check(c.Transport.WriteTimeout >= 0, "transport.write_timeout must not be negative")
	check(c.Transport.RequestTimeout >= 0, "transport.request_timeout must not be negative")
	check(c.Grid.MaxX >= 0 && c.Grid.MaxY >= 0, "grid bounds must not be negative")
	check(c.Client.PollInterval >= 0, "client.poll_interval must not be negative")
	check(c.Client.MaxRejections >= 0, "client.max_rejections must not be negative")
	check(c.Swarm.Clients >= 0, "swarm.clients must not be negative")
	check(c.Swarm.Spacing >= 0, "swarm.spacing must not be negative")
	check(logging.ValidLevel(c.Logging.Level), "logging.level %q unknown", c.Logging.Level)
	check(c.Logging.Format == "" || strings.EqualFold(c.Logging.Format, "text") || strings.EqualFold(c.Logging.Format, "json"),
		"logging.format %q must be text or json", c.Logging.Format)

	if _, err := cluster.ParseAddress(c.Client.Entry); err != nil {
		errs = append(errs, fmt.Errorf("%w: client.entry: %v", ErrInvalid, err))
	}
	if _, err := c.SwarmEntries(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy builds the admission policy.
func (c *Config) Policy() (*cluster.AdmissionPolicy, error) {
	return cluster.NewAdmissionPolicy(c.Admission.FollowerRanges, c.Admission.ClientRanges)
}

// ClientEntry parses client.entry.
func (c *Config) ClientEntry() (cluster.Address, error) {
	return cluster.ParseAddress(c.Client.Entry)
}

// SwarmEntries parses swarm.entries.
func (c *Config) SwarmEntries() ([]cluster.Address, error) {
	out := make([]cluster.Address, 0, len(c.Swarm.Entries))
	for _, s := range c.Swarm.Entries {
		a, err := cluster.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("%w: swarm.entries: %v", ErrInvalid, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
