package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/latentforge/comfyagent/agentloop"
	"github.com/latentforge/comfyagent/internal/comfy"
	"github.com/latentforge/comfyagent/internal/config"
	"github.com/latentforge/comfyagent/internal/knowledge"
	"github.com/latentforge/comfyagent/internal/logging"
	"github.com/latentforge/comfyagent/internal/store"
	"github.com/latentforge/comfyagent/internal/tools"
	"github.com/latentforge/comfyagent/internal/web"
	"github.com/latentforge/comfyagent/unifiedllm"
)

var (
	flagConfig  string
	flagBackend string
	flagModel   string
	flagAddr    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "comfyagent",
		Short:         "Conversational agent for a ComfyUI node-graph backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to JSON config file")
	root.PersistentFlags().StringVar(&flagBackend, "backend", "", "ComfyUI base URL (overrides config)")
	root.PersistentFlags().StringVar(&flagModel, "model", "", "model id (overrides config)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newSessionsCmd())
	return root
}

// app holds the wired components shared by the serve and chat commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store    *store.Store
	bus      *agentloop.Bus
	llm      *unifiedllm.Client
	comfy    *comfy.Client
	probe    *comfy.Probe
	index    *knowledge.Index
	registry *agentloop.ToolRegistry
	prompts  *agentloop.PromptBuilder
	loopCfg  agentloop.Config
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagBackend != "" {
		cfg.Backend = flagBackend
	}
	if flagModel != "" {
		cfg.Model = flagModel
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	llm := unifiedllm.NewClient()
	if cfg.OpenAIAPIKey != "" {
		llm.RegisterProvider("openai", unifiedllm.NewOpenAIAdapter(cfg.OpenAIAPIKey))
	}
	if cfg.AnthropicAPIKey != "" {
		llm.RegisterProvider("anthropic", unifiedllm.NewAnthropicAdapter(cfg.AnthropicAPIKey))
	}
	if cfg.FallbackProvider != "" {
		compat, err := unifiedllm.NewCompatAdapter(cfg.FallbackProvider, cfg.FallbackModel, "")
		if err != nil {
			return nil, err
		}
		llm.RegisterProvider(cfg.FallbackProvider, compat)
	}
	if cfg.AnthropicAPIKey == "" && cfg.OpenAIAPIKey == "" && cfg.FallbackProvider == "" {
		return nil, fmt.Errorf("no model configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY, or fallback_provider")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	backend := comfy.NewClient(cfg.Backend, logger)
	index := knowledge.NewIndex(logger)
	if err := index.Rebuild(ctx, backend); err != nil {
		logger.Warn("node index unavailable at startup", "error", err)
	}

	registry := agentloop.NewToolRegistry()
	probe := comfy.NewProbe(backend, logger)
	tools.RegisterAll(registry, tools.Deps{
		Client:   backend,
		Index:    index,
		Probe:    probe,
		Searcher: web.NewSearcher(cfg.TavilyAPIKey, logger),
		Fetcher:  web.NewFetcher(logger),
		Logger:   logger,
	})

	prompts := agentloop.NewPromptBuilder(logger)
	if cfg.IntentModel != "" {
		prompts.SetAnalyzer(agentloop.NewIntentAnalyzer(llm, cfg.IntentModel, logger))
	}

	loopCfg := agentloop.DefaultConfig()
	loopCfg.Model = cfg.Model
	loopCfg.MaxTokens = cfg.MaxTokens
	loopCfg.MaxIterations = cfg.MaxIterations
	if cfg.Temperature > 0 {
		t := cfg.Temperature
		loopCfg.Temperature = &t
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		bus:      agentloop.NewBus(0),
		llm:      llm,
		comfy:    backend,
		probe:    probe,
		index:    index,
		registry: registry,
		prompts:  prompts,
		loopCfg:  loopCfg,
	}, nil
}

// buildAppStoreOnly wires just config, logging, and the session store, for
// commands that never talk to a model or the backend.
func buildAppStoreOnly() (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: st}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}

func (a *app) delegator() *agentloop.Delegator {
	return agentloop.NewDelegator(a.llm, a.store, a.bus, a.loopCfg, a.logger)
}
