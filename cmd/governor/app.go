package main

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/agentproc"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/approval"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/classifier"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/config"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/ledger"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/logging"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/metrics"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/policy"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/store"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/workflow"
)

// app is the wired governance core.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	db           *sql.DB
	metrics      *metrics.Metrics
	ledger       *ledger.Ledger
	policy       *policy.Engine
	classifier   *classifier.Classifier
	gates        *approval.Manager
	orchestrator *workflow.Orchestrator
}

// loadApp reads configuration and wires every component.
func loadApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.resolveConfig())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return newApp(ctx, cfg, logger)
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := store.NewDB(cfg.Ledger.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	m := metrics.New()
	l := ledger.New(db, ledger.WithLogger(logger.Named("ledger")), ledger.WithMetrics(m))

	eng := policy.NewEngine(l,
		policy.WithLogger(logger.Named("policy")),
		policy.WithMetrics(m),
		policy.WithBlocklist(cfg.Policy.Blocklist),
	)
	if cfg.Policy.RulesFile != "" {
		if err := eng.LoadFile(ctx, cfg.Policy.SystemTenant, cfg.Policy.RulesFile); err != nil {
			db.Close()
			return nil, fmt.Errorf("load policy rules: %w", err)
		}
	}

	cls := classifier.New(classifier.WithRegulatedDomains(cfg.Classifier.RegulatedDomains))

	gates := approval.NewManager(l,
		approval.WithTimeout(cfg.Approval.Timeout),
		approval.WithPolicy(eng),
		approval.WithStore(db),
		approval.WithMetrics(m),
		approval.WithLogger(logger.Named("approval")),
	)

	registry, err := buildRegistry(cfg)
	if err != nil {
		gates.Stop()
		db.Close()
		return nil, err
	}
	var repairer workflow.Repairer
	if cfg.Repair != nil {
		repairer = agentproc.NewRepairer(registry, logger.Named("repair"))
	}

	o, err := workflow.New(workflow.Deps{
		Ledger:     l,
		Classifier: cls,
		Gates:      gates,
		Agent:      agentproc.NewAgent(registry, logger.Named("agent")),
		Repairer:   repairer,
	},
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithMetrics(m),
		workflow.WithStore(db),
		workflow.WithRoles(cfg.Roles()),
	)
	if err != nil {
		gates.Stop()
		db.Close()
		return nil, err
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		metrics:      m,
		ledger:       l,
		policy:       eng,
		classifier:   cls,
		gates:        gates,
		orchestrator: o,
	}, nil
}

// buildRegistry registers one process per configured agent role plus the
// repair collaborator.
func buildRegistry(cfg *config.Config) (*agentproc.Registry, error) {
	registry := agentproc.NewRegistry()

	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := registry.Register(commandSpec(strings.ToUpper(name), cfg.Agents[name])); err != nil {
			return nil, fmt.Errorf("register agent %s: %w", name, err)
		}
	}
	if cfg.Repair != nil {
		if err := registry.Register(commandSpec(agentproc.RepairName, *cfg.Repair)); err != nil {
			return nil, fmt.Errorf("register repair collaborator: %w", err)
		}
	}
	return registry, nil
}

func commandSpec(name string, c config.CommandConfig) agentproc.Spec {
	return agentproc.Spec{
		Name:    name,
		Command: c.Command,
		Args:    c.Args,
		Env:     c.Env,
		Dir:     c.Dir,
		Timeout: c.Timeout,
	}
}

// Close stops gate timers and closes the store.
func (a *app) Close() {
	a.gates.Stop()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = logging.Sync(a.logger)
}
