package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/kvlab/kvlab/internal/bridge"
	"github.com/kvlab/kvlab/internal/bus"
	"github.com/kvlab/kvlab/internal/cluster"
	"github.com/kvlab/kvlab/internal/coordinator"
	"github.com/kvlab/kvlab/internal/endpoint"
	"github.com/kvlab/kvlab/internal/labspec"
	"github.com/kvlab/kvlab/internal/paths"
	"github.com/kvlab/kvlab/internal/progressserver"
	"github.com/kvlab/kvlab/internal/remoteshell"
	"github.com/kvlab/kvlab/internal/runtimeconfig"
	"github.com/kvlab/kvlab/internal/session"
	"github.com/kvlab/kvlab/internal/setup"
	"github.com/kvlab/kvlab/internal/validation"
)

type runtimeContext struct {
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Serve   ServeCommand   `cmd:"" help:"Run the kvlab session service"`
	Cleanup CleanupCommand `cmd:"" help:"Tear down a sandbox's cluster objects"`
	Labs    LabsCommand    `cmd:"" help:"Lab definition commands"`
	Config  ConfigCommand  `cmd:"" help:"Runtime configuration commands"`
	Version VersionCommand `cmd:"" help:"Print the kvlab version"`
}

type ServeCommand struct {
	Listen   string `help:"Listen endpoint for the session API (unix://path or http://host:port)"`
	LabsDir  string `help:"Directory holding lab definition YAML files"`
	StateDB  string `help:"Path to the session state database"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
}

type CleanupCommand struct {
	Sandbox   string `required:"" help:"Sandbox name to tear down"`
	Namespace string `required:"" help:"Namespace holding the sandbox"`
	LogLevel  string `help:"Log level (debug|info|warn|error)"`
}

type LabsCommand struct {
	Validate LabsValidateCommand `cmd:"" help:"Parse and validate lab definitions"`
}

type LabsValidateCommand struct {
	Dir string `arg:"" optional:"" help:"Directory of lab definitions (defaults to the configured labs dir)"`
}

type ConfigCommand struct {
	Init ConfigInitCommand `cmd:"" help:"Write a starter config file"`
	Path ConfigPathCommand `cmd:"" help:"Print the resolved config file path"`
}

type ConfigInitCommand struct{}

type ConfigPathCommand struct{}

type VersionCommand struct{}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("kvlab"),
		kong.Description("Ephemeral VM lab sandboxes on Kubernetes"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}
	cfg := ctx.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config at %s: %w", ctx.ConfigPath, err)
	}

	listen := s.Listen
	if listen == "" {
		listen = cfg.Listen
	}
	ep, err := endpoint.ResolveListen(listen)
	if err != nil {
		return err
	}

	labsDir, err := resolveLabsDir(s.LabsDir, cfg)
	if err != nil {
		return err
	}
	catalog, err := labspec.LoadDir(labsDir)
	if err != nil {
		return fmt.Errorf("load lab definitions from %s: %w", labsDir, err)
	}
	logger.Info("loaded lab catalog", "dir", labsDir, "labs", len(catalog.List()))

	dbPath, err := resolveStateDB(s.StateDB, cfg)
	if err != nil {
		return err
	}
	store, err := session.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	client, dyn, err := buildKubeClients(cfg.Cluster)
	if err != nil {
		return err
	}
	template := resolveVMTemplate(cfg.Cluster.VMTemplate)

	provisioner := &cluster.Provisioner{
		Client:   client,
		Dynamic:  dyn,
		Template: template,
		Logger:   logger.With("subsystem", "cluster"),
	}
	waiter := &cluster.Waiter{
		Client:   client,
		Dynamic:  dyn,
		Template: template,
		Logger:   logger.With("subsystem", "cluster"),
	}

	creds, err := loadSSHCredentials(cfg.SSH)
	if err != nil {
		return err
	}
	runner := &remoteshell.SSHRunner{Logger: logger.With("subsystem", "ssh")}
	executor := &setup.Executor{
		Runner: runner,
		Logger: logger.With("subsystem", "setup"),
	}

	live := bridge.New(logger.With("subsystem", "bridge"))

	coord := coordinator.NewCoordinator(coordinator.Config{
		Mode:               coordinator.Mode(cfg.Mode),
		AddressMode:        cluster.AddressMode(cfg.Cluster.AddressMode),
		SSH:                creds,
		RunningTimeout:     time.Duration(cfg.Timeouts.RunningSeconds) * time.Second,
		ReachableTimeout:   time.Duration(cfg.Timeouts.ReachableSeconds) * time.Second,
		DeprovisionTimeout: time.Duration(cfg.Timeouts.DeprovisionSeconds) * time.Second,
	}, cfg.Workers)
	coord.Provisioner = provisioner
	coord.Waiter = waiter
	coord.Setup = executor
	coord.Bridge = live
	coord.Store = store
	coord.Catalog = catalog
	coord.Logger = logger.With("subsystem", "coordinator")
	defer coord.Close()

	validator := &validation.Validator{
		Store:       store,
		Catalog:     catalog,
		Endpoints:   waiter,
		Runner:      runner,
		AddressMode: cluster.AddressMode(cfg.Cluster.AddressMode),
		SSH: remoteshell.ConnDetails{
			User:          creds.User,
			Password:      creds.Password,
			PrivateKeyPEM: creds.PrivateKeyPEM,
		},
		Logger: logger.With("subsystem", "validation"),
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Mode == "bus" {
		conn, err := bus.Connect(cfg.NATSURL, logger.With("subsystem", "bus"))
		if err != nil {
			return err
		}
		defer conn.Close()
		coord.ProvisionBus = conn
		coord.CleanupBus = conn
		sub, err := conn.SubscribeReady(func(evt bus.ReadyEvent) {
			coord.HandleSandboxReady(runCtx, evt.SessionID, evt.PodRef)
		})
		if err != nil {
			return fmt.Errorf("subscribe to sandbox ready events: %w", err)
		}
		defer sub.Unsubscribe()

		vsub, err := conn.ServeValidation(func(req bus.ValidationRequest) bus.ValidationReply {
			res, err := validator.Validate(runCtx, req.SessionID, req.QuestionID)
			if err != nil {
				return bus.ValidationReply{Error: err.Error()}
			}
			return bus.ValidationReply{Passed: res.Passed, Output: res.Output}
		})
		if err != nil {
			return fmt.Errorf("serve validation requests: %w", err)
		}
		defer vsub.Unsubscribe()
	}

	if err := coord.SweepOrphans(runCtx); err != nil {
		logger.Warn("orphan sweep failed", "err", err)
	}
	go runMaintenance(runCtx, coord, store, cfg.RetentionDays, logger)

	server := progressserver.New(store, catalog, coord, validator, live, logger.With("subsystem", "http"))
	return progressserver.Serve(runCtx, ep, server.Handler(), logger)
}

// runMaintenance expires overdue sessions every minute and prunes old
// terminal rows hourly.
func runMaintenance(ctx context.Context, coord *coordinator.Coordinator, store *session.Store, retentionDays int, logger *log.Logger) {
	expire := time.NewTicker(time.Minute)
	defer expire.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expire.C:
			if err := coord.ExpireOverdue(ctx); err != nil && logger != nil {
				logger.Warn("session expiry pass failed", "err", err)
			}
		case <-prune.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			pruned, err := store.PruneTerminal(ctx, cutoff)
			if err != nil {
				if logger != nil {
					logger.Warn("session prune failed", "err", err)
				}
				continue
			}
			if pruned > 0 && logger != nil {
				logger.Info("pruned terminal sessions", "count", pruned, "cutoff", cutoff)
			}
		}
	}
}

func (c *CleanupCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "cleanup")
	if err != nil {
		return err
	}

	client, dyn, err := buildKubeClients(ctx.Config.Cluster)
	if err != nil {
		return err
	}
	provisioner := &cluster.Provisioner{
		Client:   client,
		Dynamic:  dyn,
		Template: resolveVMTemplate(ctx.Config.Cluster.VMTemplate),
		Logger:   logger,
	}

	deprovisionCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(ctx.Config.Timeouts.DeprovisionSeconds)*time.Second)
	defer cancel()
	provisioner.Deprovision(deprovisionCtx, c.Sandbox, c.Namespace)

	_, err = fmt.Fprintf(ctx.Stdout, "cleanup requested for sandbox %s in namespace %s\n", c.Sandbox, c.Namespace)
	return err
}

func (l *LabsValidateCommand) Run(ctx *runtimeContext) error {
	dir, err := resolveLabsDir(l.Dir, ctx.Config)
	if err != nil {
		return err
	}
	catalog, err := labspec.LoadDir(dir)
	if err != nil {
		return err
	}

	labs := catalog.List()
	ids := make([]string, 0, len(labs))
	for _, lab := range labs {
		ids = append(ids, lab.ID)
	}
	sort.Strings(ids)

	if _, err := fmt.Fprintf(ctx.Stdout, "%d valid lab(s) in %s\n", len(labs), dir); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := fmt.Fprintf(ctx.Stdout, "  %s\n", id); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	if err := runtimeconfig.WriteDefault(ctx.ConfigPath); err != nil {
		return err
	}
	_, err := fmt.Fprintf(ctx.Stdout, "wrote %s\n", ctx.ConfigPath)
	return err
}

func (c *ConfigPathCommand) Run(ctx *runtimeContext) error {
	_, err := fmt.Fprintln(ctx.Stdout, ctx.ConfigPath)
	return err
}

func (v *VersionCommand) Run(ctx *runtimeContext) error {
	_, err := fmt.Fprintf(ctx.Stdout, "kvlab %s\n", ctx.Version)
	return err
}

func resolveLabsDir(flag string, cfg runtimeconfig.Config) (string, error) {
	if dir := strings.TrimSpace(flag); dir != "" {
		return dir, nil
	}
	if dir := strings.TrimSpace(cfg.LabsDir); dir != "" {
		return dir, nil
	}
	return paths.LabsDir()
}

func resolveStateDB(flag string, cfg runtimeconfig.Config) (string, error) {
	if path := strings.TrimSpace(flag); path != "" {
		return path, nil
	}
	if path := strings.TrimSpace(cfg.StateDB); path != "" {
		return path, nil
	}
	return paths.SessionDBPath()
}

func resolveVMTemplate(cfg runtimeconfig.VMTemplateConfig) cluster.VMTemplate {
	template := cluster.DefaultVMTemplate()
	if strings.TrimSpace(cfg.Group) != "" {
		template.Group = cfg.Group
	}
	if strings.TrimSpace(cfg.Version) != "" {
		template.Version = cfg.Version
	}
	if strings.TrimSpace(cfg.Resource) != "" {
		template.Resource = cfg.Resource
	}
	if strings.TrimSpace(cfg.Kind) != "" {
		template.Kind = cfg.Kind
	}
	return template
}

func loadSSHCredentials(cfg runtimeconfig.SSHConfig) (coordinator.SSHCredentials, error) {
	creds := coordinator.SSHCredentials{
		User:     cfg.User,
		Password: cfg.Password,
	}
	if path := strings.TrimSpace(cfg.PrivateKeyPath); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return creds, fmt.Errorf("read ssh private key %s: %w", path, err)
		}
		creds.PrivateKeyPEM = pem
	}
	return creds, nil
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
