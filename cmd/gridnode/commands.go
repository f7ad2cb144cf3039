package main

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/gridcoord/internal/client"
	"github.com/dreamware/gridcoord/internal/config"
	"github.com/dreamware/gridcoord/internal/coordinator"
	"github.com/dreamware/gridcoord/internal/follower"
	"github.com/dreamware/gridcoord/internal/grid"
	"github.com/dreamware/gridcoord/internal/logging"
)

// app carries what every subcommand shares: the viper instance flags are
// bound to, and the configuration and logger built from it before the
// subcommand runs.
type app struct {
	v       *viper.Viper
	cfg     *config.Config
	log     hclog.Logger
	cfgPath string
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "gridnode",
		Short:         "gridnode - grid coordination cluster node",
		Long:          "gridnode runs a leader, a follower, a client or a swarm of clients of a grid coordination cluster.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "Path to configuration file")
	flags.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "Log format (text or json)")
	a.bind(flags, "log-level", "logging.level")
	a.bind(flags, "log-format", "logging.format")

	root.AddCommand(a.leaderCmd())
	root.AddCommand(a.followerCmd())
	root.AddCommand(a.clientCmd())
	root.AddCommand(a.swarmCmd())
	return root
}

// configKey annotates a flag with the configuration key it overrides.
const configKey = "gridnode_config_key"

// bind marks flag name as an override of key. Several subcommands reuse
// the same flag names for different keys, so the binding to viper happens
// in load, for the command that actually runs.
func (a *app) bind(flags *pflag.FlagSet, name, key string) {
	if err := flags.SetAnnotation(name, configKey, []string{key}); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

func (a *app) load(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys, ok := f.Annotations[configKey]; ok && bindErr == nil {
			bindErr = a.v.BindPFlag(keys[0], f)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := config.Load(a.v, a.cfgPath)
	if err != nil {
		return err
	}
	logCfg := cfg.Logging
	logCfg.Output = cmd.ErrOrStderr()
	a.cfg = cfg
	a.log = logging.New("gridnode", logCfg)
	return nil
}

func (a *app) leaderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leader",
		Short: "Run the leader",
		Long:  "Accept followers on leader.host:leader.port and clients on leader.host:leader.client_port.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := leaderConfig(a.cfg)
			if err != nil {
				return err
			}
			return coordinator.NewLeader(cfg, a.log).ListenAndServe(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("host", "", "Leader host")
	flags.Int("port", 0, "Follower-facing port")
	flags.Int("client-port", 0, "Client-facing port")
	a.bind(flags, "host", "leader.host")
	a.bind(flags, "port", "leader.port")
	a.bind(flags, "client-port", "leader.client_port")
	return cmd
}

func (a *app) followerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follower",
		Short: "Run a follower",
		Long:  "Register with the leader as node.host:node.port and accept clients on node.host:node.client_port.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := followerConfig(a.cfg)
			if err != nil {
				return err
			}
			return follower.New(cfg, a.log).ListenAndServe(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("host", "", "Follower host")
	flags.Int("port", 0, "Port advertised to the leader")
	flags.Int("client-port", 0, "Client-facing port")
	flags.String("leader-host", "", "Leader host")
	flags.Int("leader-port", 0, "Leader follower-facing port")
	a.bind(flags, "host", "node.host")
	a.bind(flags, "port", "node.port")
	a.bind(flags, "client-port", "node.client_port")
	a.bind(flags, "leader-host", "leader.host")
	a.bind(flags, "leader-port", "leader.port")
	return cmd
}

func (a *app) clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Walk one client to its destination",
		Long:  "Register as node.host:node.port with client.entry and navigate from client.start to client.destination.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := clientConfig(a.cfg)
			if err != nil {
				return err
			}
			nav := client.NewNavigator(cfg, a.log)
			if err := nav.Run(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s arrived at %s in %d steps\n", cfg.Self, nav.Position(), nav.Steps())
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("host", "", "Client host")
	flags.Int("port", 0, "Client port")
	flags.String("entry", "", "Entry point host:port")
	a.bind(flags, "host", "node.host")
	a.bind(flags, "port", "node.port")
	a.bind(flags, "entry", "client.entry")
	return cmd
}

func (a *app) swarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Release many clients and time them",
		Long:  "Start swarm.clients clients spread over swarm.entries and report how long the last one took.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := swarmConfig(a.cfg)
			if err != nil {
				return err
			}
			report, err := client.RunSwarm(cmd.Context(), cfg, a.log)
			fmt.Fprintf(cmd.OutOrStdout(), "%d/%d clients arrived in %s\n", report.Arrived, report.Clients, report.Elapsed)
			for _, e := range report.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "  %v\n", e)
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.Int("clients", 0, "Number of clients")
	flags.Duration("spacing", 0, "Delay between two client starts")
	a.bind(flags, "clients", "swarm.clients")
	a.bind(flags, "spacing", "swarm.spacing")
	return cmd
}

func leaderConfig(c *config.Config) (coordinator.Config, error) {
	policy, err := c.Policy()
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{
		Self:           c.Leader.Address(),
		ClientEndpoint: c.Leader.ClientAddress(),
		Policy:         policy,
		Heartbeat:      coordinator.HeartbeatConfig(c.Heartbeat),
		Bounds:         grid.Bounds{MaxX: c.Grid.MaxX, MaxY: c.Grid.MaxY},
		WriteTimeout:   c.Transport.WriteTimeout,
		MaxFrameSize:   c.Transport.MaxFrameSize,
	}, nil
}

func followerConfig(c *config.Config) (follower.Config, error) {
	policy, err := c.Policy()
	if err != nil {
		return follower.Config{}, err
	}
	return follower.Config{
		Self:           c.Node.Address(),
		ClientEndpoint: c.Node.ClientAddress(),
		Leader:         c.Leader.Address(),
		Policy:         policy,
		WriteTimeout:   c.Transport.WriteTimeout,
		RequestTimeout: c.Transport.RequestTimeout,
		MaxFrameSize:   c.Transport.MaxFrameSize,
	}, nil
}

func clientConfig(c *config.Config) (client.Config, error) {
	entry, err := c.ClientEntry()
	if err != nil {
		return client.Config{}, err
	}
	return client.Config{
		Self:           c.Node.Address(),
		Entry:          entry,
		Start:          c.Client.Start.Coordinate(),
		Destination:    c.Client.Destination.Coordinate(),
		PollInterval:   c.Client.PollInterval,
		MaxRejections:  c.Client.MaxRejections,
		RequestTimeout: c.Transport.RequestTimeout,
		WriteTimeout:   c.Transport.WriteTimeout,
		MaxFrameSize:   c.Transport.MaxFrameSize,
	}, nil
}

func swarmConfig(c *config.Config) (client.SwarmConfig, error) {
	entries, err := c.SwarmEntries()
	if err != nil {
		return client.SwarmConfig{}, err
	}
	return client.SwarmConfig{
		Entries:        entries,
		HostPrefix:     c.Swarm.HostPrefix,
		Clients:        c.Swarm.Clients,
		Port:           c.Swarm.Port,
		Spacing:        c.Swarm.Spacing,
		PollInterval:   c.Client.PollInterval,
		RequestTimeout: c.Transport.RequestTimeout,
		WriteTimeout:   c.Transport.WriteTimeout,
		MaxFrameSize:   c.Transport.MaxFrameSize,
		MaxRejections:  c.Client.MaxRejections,
	}, nil
}
