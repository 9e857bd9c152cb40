// Package main is the entry point for the openportal binary.
// It wires all internal packages together and runs the mesh agent.
//
// Startup sequence for `run`:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load the agent's TOML configuration
//  4. Build exchange, router and invitation registry from configuration
//  5. Build the service (inbound listener, outbound dialers)
//  6. Build and start the supervisor (expiry sweep, watchdog backstop, metrics pulse)
//  7. Run the service until SIGINT/SIGTERM, then shut down
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isambard-sc/openportal/internal/agent"
	"github.com/isambard-sc/openportal/internal/config"
	"github.com/isambard-sc/openportal/internal/exchange"
	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/invitation"
	"github.com/isambard-sc/openportal/internal/service"
	"github.com/isambard-sc/openportal/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// AgentEngineVersion and MinAgentEngine are this build's business-logic
// layer version, distinct from handshake.ProtocolVersion (the transport
// layer version), per spec.md §4.3's note that version information is
// per-layer.
const (
	AgentEngineVersion = 1
	MinAgentEngine     = 1
)

// Exit codes per spec.md §6.
const (
	exitOK        = 0
	exitUsage     = 2
	exitConfig    = 3
	exitHandshake = 4
	exitRuntime   = 5
)

type globalFlags struct {
	configPath string
	passphrase string
	logLevel   string
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	root, codeFn := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return codeFn()
	}
	return exitOK
}

func newRootCmd() (*cobra.Command, func() int) {
	flags := &globalFlags{}
	code := exitUsage

	root := &cobra.Command{
		Use:   "openportal",
		Short: "OpenPortal — a peer-to-peer mesh agent for job routing",
		Long: `OpenPortal connects to other agents over authenticated, double-encrypted
websockets, replicates and routes Jobs along dotted agent paths, and
exposes a uniform CLI across every agent role (Portal, Provider, Platform,
Instance, Account, Filesystem, Bridge).`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", envOrDefault("OPENPORTAL_CONFIG", "openportal.toml"), "path to the agent configuration file")
	root.PersistentFlags().StringVar(&flags.passphrase, "passphrase", os.Getenv("OPENPORTAL_PASSPHRASE"), "passphrase for an encrypted [secrets] table")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", envOrDefault("RUST_LOG", "info"), "log level (debug, info, warn, error)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(flags, &code))
	root.AddCommand(newClientCmd(flags, &code))
	root.AddCommand(newServerCmd(flags, &code))
	root.AddCommand(newExtraCmd(flags, &code))
	root.AddCommand(newSecretCmd(flags, &code))
	root.AddCommand(newEncryptionCmd(flags, &code))
	root.AddCommand(newRunCmd(flags, &code))

	return root, func() int { return code }
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "openportal %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newInitCmd(flags *globalFlags, code *int) *cobra.Command {
	var agentType, name, url, ip string
	var port int
	var zone string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new agent configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := identity.AgentType(agentType)
			if !typ.Valid() {
				*code = exitUsage
				return fmt.Errorf("init: unknown agent type %q (must be one of %v)", agentType, identity.ValidTypes)
			}
			if _, err := os.Stat(flags.configPath); err == nil {
				*code = exitConfig
				return fmt.Errorf("init: %s already exists", flags.configPath)
			}

			cfg := config.New(typ)
			cfg.Service.Name = identity.AgentName(name)
			cfg.Service.URL = url
			cfg.Service.IP = ip
			cfg.Service.Port = port
			cfg.Service.Zone = identity.Zone(zone)

			if err := config.Save(cfg, flags.configPath, flags.passphrase); err != nil {
				*code = exitConfig
				return fmt.Errorf("init: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", flags.configPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&agentType, "agent", "", "agent type (Portal, Provider, Platform, Instance, Account, Filesystem, Bridge)")
	cmd.Flags().StringVar(&name, "name", "", "this agent's name")
	cmd.Flags().StringVar(&url, "url", "", "this agent's own websocket URL, if it accepts inbound connections")
	cmd.Flags().StringVar(&ip, "ip", "0.0.0.0", "bind IP for the inbound listener")
	cmd.Flags().IntVar(&port, "port", 0, "bind port for the inbound listener (0 disables the inbound listener)")
	cmd.Flags().StringVar(&zone, "zone", "", "this agent's zone")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newClientCmd(flags *globalFlags, code *int) *cobra.Command {
	var add, remove, list bool
	var name, ipRange, zone, outFile string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage inbound peers this agent accepts connections from",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath, flags.passphrase)
			if err != nil {
				*code = exitConfig
				return fmt.Errorf("client: %w", err)
			}

			switch {
			case list:
				for _, c := range cfg.Service.Clients {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\trange=%s\tzone=%s\n", c.Name, c.IPRange, c.Zone)
				}
				return nil

			case add:
				if name == "" {
					*code = exitUsage
					return errors.New("client -a: -k/--name is required")
				}
				inv, err := invitation.New(cfg.Service.Name, cfg.Service.URL, identity.AgentName(name), ipRange, identity.Zone(zone))
				if err != nil {
					*code = exitConfig
					return fmt.Errorf("client -a: %w", err)
				}
				cfg.Service.Clients = removeClient(cfg.Service.Clients, identity.AgentName(name))
				cfg.Service.Clients = append(cfg.Service.Clients, config.ServiceClient{
					Name:     inv.ClientName,
					IPRange:  inv.AllowedRange,
					OuterKey: inv.OuterKey,
					InnerKey: inv.InnerKey,
					Zone:     inv.Zone,
				})
				if err := config.Save(cfg, flags.configPath, flags.passphrase); err != nil {
					*code = exitConfig
					return fmt.Errorf("client -a: %w", err)
				}

				text, err := inv.Encode()
				if err != nil {
					*code = exitConfig
					return fmt.Errorf("client -a: encode invitation: %w", err)
				}
				if outFile != "" {
					if err := os.WriteFile(outFile, []byte(text), 0o600); err != nil {
						*code = exitConfig
						return fmt.Errorf("client -a: write invitation: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "wrote invitation for %s to %s\n", name, outFile)
				} else {
					fmt.Fprint(cmd.OutOrStdout(), text)
				}
				return nil

			case remove:
				if name == "" {
					*code = exitUsage
					return errors.New("client -r: -k/--name is required")
				}
				before := len(cfg.Service.Clients)
				cfg.Service.Clients = removeClient(cfg.Service.Clients, identity.AgentName(name))
				if len(cfg.Service.Clients) == before {
					*code = exitConfig
					return fmt.Errorf("client -r: no client named %q", name)
				}
				if err := config.Save(cfg, flags.configPath, flags.passphrase); err != nil {
					*code = exitConfig
					return fmt.Errorf("client -r: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed client %s\n", name)
				return nil
			}

			*code = exitUsage
			return errors.New("client: exactly one of -a, -r, -l is required")
		},
	}

	cmd.Flags().BoolVarP(&add, "add", "a", false, "invite a new client")
	cmd.Flags().BoolVarP(&remove, "remove", "r", false, "revoke a client")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list configured clients")
	cmd.Flags().StringVarP(&name, "name", "k", "", "client name")
	cmd.Flags().StringVar(&ipRange, "ip-range", "", "CIDR range this client may connect from")
	cmd.Flags().StringVar(&zone, "zone", "", "zone to grant this client")
	cmd.Flags().StringVar(&outFile, "out", "", "write the invitation to this file instead of stdout")

	return cmd
}

func removeClient(clients []config.ServiceClient, name identity.AgentName) []config.ServiceClient {
	out := make([]config.ServiceClient, 0, len(clients))
	for _, c := range clients {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}

func newServerCmd(flags *globalFlags, code *int) *cobra.Command {
	var add, remove, list bool
	var name, inviteFile string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage outbound peers this agent dials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath, flags.passphrase)
			if err != nil {
				*code = exitConfig
				return fmt.Errorf("server: %w", err)
			}

			switch {
			case list:
				for _, s := range cfg.Service.Servers {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\turl=%s\tzone=%s\n", s.Name, s.URL, s.Zone)
				}
				return nil

			case add:
				if inviteFile == "" {
					*code = exitUsage
					return errors.New("server -a: --invite is required")
				}
				raw, err := os.ReadFile(inviteFile)
				if err != nil {
					*code = exitConfig
					return fmt.Errorf("server -a: read invitation: %w", err)
				}
				inv, err := invitation.Decode(string(raw))
				if err != nil {
					*code = exitConfig
					return fmt.Errorf("server -a: decode invitation: %w", err)
				}
				cfg.Service.Servers = removeServer(cfg.Service.Servers, inv.ServerName)
				cfg.Service.Servers = append(cfg.Service.Servers, config.ServiceServer{
					Name:     inv.ServerName,
					URL:      inv.ServerURL,
					OuterKey: inv.OuterKey,
					InnerKey: inv.InnerKey,
					Zone:     inv.Zone,
				})
				if err := config.Save(cfg, flags.configPath, flags.passphrase); err != nil {
					*code = exitConfig
					return fmt.Errorf("server -a: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added server %s (%s)\n", inv.ServerName, inv.ServerURL)
				return nil

			case remove:
				if name == "" {
					*code = exitUsage
					return errors.New("server -r: -k/--name is required")
				}
				before := len(cfg.Service.Servers)
				cfg.Service.Servers = removeServer(cfg.Service.Servers, identity.AgentName(name))
				if len(cfg.Service.Servers) == before {
					*code = exitConfig
					return fmt.Errorf("server -r: no server named %q", name)
				}
				if err := config.Save(cfg, flags.configPath, flags.passphrase); err != nil {
					*code = exitConfig
					return fmt.Errorf("server -r: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed server %s\n", name)
				return nil
			}

			*code = exitUsage
			return errors.New("server: exactly one of -a, -r, -l is required")
		},
	}

	cmd.Flags().BoolVarP(&add, "add", "a", false, "add a server from an invitation file")
	cmd.Flags().BoolVarP(&remove, "remove", "r", false, "remove a configured server")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list configured servers")
	cmd.Flags().StringVarP(&name, "name", "k", "", "server name")
	cmd.Flags().StringVar(&inviteFile, "invite", "", "path to the invitation file issued by the server")

	return cmd
}

func removeServer(servers []config.ServiceServer, name identity.AgentName) []config.ServiceServer {
	out := make([]config.ServiceServer, 0, len(servers))
	for _, s := range servers {
		if s.Name != name {
			out = append(out, s)
		}
	}
	return out
}

func newExtraCmd(flags *globalFlags, code *int) *cobra.Command {
	var key, value string
	var list bool

	cmd := &cobra.Command{
		Use:   "extra",
		Short: "Get or set a free-form [extras] entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath, flags.passphrase)
			if err != nil {
				*code = exitConfig
				return fmt.Errorf("extra: %w", err)
			}

			if list {
				for k, v := range cfg.Extras {
					fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, v)
				}
				return nil
			}
			if key == "" {
				*code = exitUsage
				return errors.New("extra: -k is required")
			}
			if !cmd.Flags().Changed("value") {
				fmt.Fprintln(cmd.OutOrStdout(), cfg.Extras[key])
				return nil
			}
			cfg.Extras[key] = value
			if err := config.Save(cfg, flags.configPath, flags.passphrase); err != nil {
				*code = exitConfig
				return fmt.Errorf("extra: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "extras key")
	cmd.Flags().StringVarP(&value, "value", "v", "", "value to set; omit to read the current value")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list every extras entry")

	return cmd
}

func newSecretCmd(flags *globalFlags, code *int) *cobra.Command {
	var key, value string
	var list bool

	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Get or set a [secrets] entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath, flags.passphrase)
			if err != nil {
				*code = exitConfig
				return fmt.Errorf("secret: %w", err)
			}
			if cfg.Secrets == nil {
				*code = exitConfig
				return errors.New("secret: [secrets] table could not be read; pass --passphrase")
			}

			if list {
				for k := range cfg.Secrets {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			}
			if key == "" {
				*code = exitUsage
				return errors.New("secret: -k is required")
			}
			if !cmd.Flags().Changed("value") {
				fmt.Fprintln(cmd.OutOrStdout(), cfg.Secrets[key])
				return nil
			}
			cfg.Secrets[key] = value
			if err := config.Save(cfg, flags.configPath, flags.passphrase); err != nil {
				*code = exitConfig
				return fmt.Errorf("secret: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "secrets key")
	cmd.Flags().StringVarP(&value, "value", "v", "", "value to set; omit to read the current value")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list every secrets key (not its value)")

	return cmd
}

func newEncryptionCmd(flags *globalFlags, code *int) *cobra.Command {
	var simple, encrypted bool

	cmd := &cobra.Command{
		Use:   "encryption",
		Short: "Switch the [secrets] table between simple and encrypted storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if simple == encrypted {
				*code = exitUsage
				return errors.New("encryption: exactly one of --simple or --encrypted is required")
			}

			cfg, err := config.Load(flags.configPath, flags.passphrase)
			if err != nil {
				*code = exitConfig
				return fmt.Errorf("encryption: %w", err)
			}
			if cfg.Secrets == nil {
				*code = exitConfig
				return errors.New("encryption: [secrets] table could not be read; pass --passphrase")
			}

			if encrypted {
				if flags.passphrase == "" {
					*code = exitUsage
					return errors.New("encryption --encrypted: --passphrase is required")
				}
				cfg.Mode = config.SecretsEncrypted
			} else {
				cfg.Mode = config.SecretsSimple
			}

			if err := config.Save(cfg, flags.configPath, flags.passphrase); err != nil {
				*code = exitConfig
				return fmt.Errorf("encryption: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secrets now stored in %s mode\n", cfg.Mode)
			return nil
		},
	}

	cmd.Flags().BoolVar(&simple, "simple", false, "store [secrets] as plaintext")
	cmd.Flags().BoolVar(&encrypted, "encrypted", false, "store [secrets] passphrase-encrypted")

	return cmd
}

func newRunCmd(flags *globalFlags, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), flags, code)
		},
	}
}

func runAgent(ctx context.Context, flags *globalFlags, code *int) error {
	logger, err := buildLogger(flags.logLevel)
	if err != nil {
		*code = exitRuntime
		return fmt.Errorf("run: build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(flags.configPath, flags.passphrase)
	if err != nil {
		*code = exitConfig
		return fmt.Errorf("run: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting openportal agent",
		zap.String("version", version),
		zap.String("name", string(cfg.Service.Name)),
		zap.String("agent_type", string(cfg.Agent)),
	)

	ex := exchange.New()
	localZones := identity.NewZoneSet(cfg.Service.Zone)
	router := agent.New(cfg.Service.Name, cfg.Agent, localZones, ex, nil)

	registry := invitation.NewRegistry()
	for _, c := range cfg.Service.Clients {
		registry.Restore(invitation.Invitation{
			ServerName:   cfg.Service.Name,
			ServerURL:    cfg.Service.URL,
			ClientName:   c.Name,
			AllowedRange: c.IPRange,
			OuterKey:     c.OuterKey,
			InnerKey:     c.InnerKey,
			Zone:         c.Zone,
		})
	}

	var servers []service.ServerTarget
	for _, s := range cfg.Service.Servers {
		servers = append(servers, service.ServerTarget{
			Invitation: invitation.Invitation{
				ServerName: s.Name,
				ServerURL:  s.URL,
				ClientName: cfg.Service.Name,
				OuterKey:   s.OuterKey,
				InnerKey:   s.InnerKey,
				Zone:       s.Zone,
			},
		})
	}

	bindAddr := ""
	if cfg.Service.Port != 0 {
		bindAddr = fmt.Sprintf("%s:%d", cfg.Service.IP, cfg.Service.Port)
	}

	svc := service.New(service.Deps{
		LocalName:          cfg.Service.Name,
		LocalType:          cfg.Agent,
		LocalZones:         localZones,
		AgentEngineVersion: AgentEngineVersion,
		MinAgentEngine:     MinAgentEngine,
		Invitations:        registry,
		Exchange:           ex,
		Router:             router,
		Logger:             logger,
	}, bindAddr, servers)

	sv, err := supervisor.New(router, ex, logger)
	if err != nil {
		*code = exitRuntime
		return fmt.Errorf("run: %w", err)
	}
	if err := sv.Start(); err != nil {
		*code = exitRuntime
		return fmt.Errorf("run: %w", err)
	}
	defer func() {
		if err := sv.Stop(); err != nil {
			logger.Warn("supervisor shutdown error", zap.Error(err))
		}
	}()

	if err := svc.Run(ctx); err != nil {
		*code = exitRuntime
		return fmt.Errorf("run: %w", err)
	}

	logger.Info("openportal agent stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	switch os.Getenv("RUST_LOG_FORMAT") {
	case "json":
		cfg.Encoding = "json"
	case "text":
		cfg.Encoding = "console"
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
