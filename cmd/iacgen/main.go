/*
Copyright 2025 Langop Team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/based/iacgen/pkg/config"
	"github.com/based/iacgen/pkg/logging"
	"github.com/based/iacgen/pkg/orchestrator"
	"github.com/based/iacgen/pkg/storage"
	"github.com/based/iacgen/pkg/synthesis"
	"github.com/based/iacgen/pkg/telemetry"
	"github.com/based/iacgen/pkg/validation"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// errUnitsFailed makes the process exit non-zero after the report was written.
var errUnitsFailed = errors.New("one or more units failed")

type options struct {
	configPath     string
	format         string
	outputDir      string
	requestsPath   string
	storageBackend string
	namespace      string
	maxConcurrency int
	metricsAddr    string
	logLevel       string
	development    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "iacgen",
		Short:         "Generate, validate and repair infrastructure-as-code modules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.format, "format", "", "IaC format: terraform or bicep")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	root.PersistentFlags().BoolVar(&opts.development, "dev", false, "Human readable console logs")
	root.PersistentFlags().StringVar(&opts.storageBackend, "storage", "", "Artifact storage backend: file or configmap")
	root.PersistentFlags().StringVar(&opts.namespace, "namespace", "", "Namespace for the configmap backend")

	generate := &cobra.Command{
		Use:   "generate --requests <file>",
		Short: "Generate one module per deduplicated request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, opts)
		},
	}
	generate.Flags().StringVar(&opts.requestsPath, "requests", "", "YAML file with the generation requests")
	generate.Flags().StringVarP(&opts.outputDir, "output", "o", "", "Output root directory")
	generate.Flags().IntVar(&opts.maxConcurrency, "max-concurrency", -1, "Limit concurrent units (0 means unlimited)")
	generate.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	_ = generate.MarkFlagRequired("requests")

	validate := &cobra.Command{
		Use:   "validate <dir>",
		Short: "Run the format checker against a module directory or, with --storage configmap, a stored unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts, args[0])
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), telemetry.Version())
		},
	}

	root.AddCommand(generate, validate, version)
	return root
}

// loadConfig applies CLI overrides on top of the file and environment.
func loadConfig(opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.format != "" {
		cfg.Format = opts.format
	}
	if opts.outputDir != "" {
		cfg.OutputDir = opts.outputDir
	}
	if opts.storageBackend != "" {
		cfg.Storage.Backend = opts.storageBackend
	}
	if opts.namespace != "" {
		cfg.Storage.Namespace = opts.namespace
	}
	if opts.maxConcurrency >= 0 {
		cfg.Orchestrator.MaxConcurrency = opts.maxConcurrency
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.development {
		cfg.Logging.Development = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runGenerate(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log, syncLog, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer syncLog()
	setupLog := log.WithName("setup")

	requests, err := loadRequests(opts.requestsPath)
	if err != nil {
		return err
	}

	ctx := ctrl.SetupSignalHandler()
	runID := orchestrator.NewRunID()

	tracerProvider, err := telemetry.InitTracer(ctx, runID)
	if err != nil {
		setupLog.Error(err, "failed to initialize OpenTelemetry, tracing disabled")
	} else if tracerProvider != nil {
		setupLog.Info("OpenTelemetry tracing enabled")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetry.Shutdown(shutdownCtx, tracerProvider); err != nil {
				setupLog.Error(err, "failed to shutdown OpenTelemetry TracerProvider")
			}
		}()
	}

	if opts.metricsAddr != "" {
		stop := serveMetrics(opts.metricsAddr, setupLog)
		defer stop()
	}

	format, err := validation.FormatByName(cfg.Format)
	if err != nil {
		return err
	}
	store, err := newStore(cfg, runID, log)
	if err != nil {
		return err
	}
	chatModel, err := createChatModel(ctx, cfg.Model)
	if err != nil {
		return err
	}

	sessions := synthesis.NewSessionFactory(chatModel, cfg.Model, log)
	validator := validation.NewValidator(format, nil, cfg.Validation, log)
	synth := synthesis.NewModuleSynthesizer(sessions, format, validator, store, cfg, log)
	costs := synthesis.NewCostTracker(cfg.Cost)
	synth.SetCostTracker(costs)

	if cfg.Repair.SharedSession {
		shared := synthesis.NewSharedSession(sessions.Open("repair", synthesis.SystemPrompt))
		defer shared.Close()
		synth.SetRepairConversation(shared)
	}

	exec := orchestrator.NewExecutor(cfg.Retry, log)
	orch := orchestrator.New(synth, exec, cfg.Orchestrator, log)

	setupLog.Info("Starting run", "run", runID, "format", format.Name(), "requests", len(requests), "output", cfg.OutputDir, "storage", cfg.Storage.Backend)
	report := orch.Run(ctx, runID, format.Name(), requests)

	path, err := report.WriteJSON(cfg.OutputDir)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), report)
	if lister, ok := store.(runLister); ok {
		missing, err := verifyPersisted(ctx, lister, report)
		if err != nil {
			setupLog.Error(err, "Failed to list persisted units")
		} else if len(missing) > 0 {
			setupLog.Info("Units missing from storage", "units", missing)
		}
	}
	totals := costs.Totals()
	setupLog.Info("Run complete", "report", path, "cost", totals.String())

	if report.Failed() {
		return errUnitsFailed
	}
	return nil
}

func runValidate(cmd *cobra.Command, opts *options, dir string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log, syncLog, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer syncLog()

	format, err := validation.FormatByName(cfg.Format)
	if err != nil {
		return err
	}
	ctx := ctrl.SetupSignalHandler()
	var loader unitLoader
	if cfg.Storage.Backend == "configmap" {
		c, err := newKubeClient()
		if err != nil {
			return err
		}
		loader = storage.NewConfigMapStore(c, cfg.Storage.Namespace, "", log)
	}
	res, err := validateUnit(ctx, validation.NewValidator(format, nil, cfg.Validation, log), loader, dir)
	if err != nil {
		return err
	}
	printValidation(cmd.OutOrStdout(), dir, res)
	if res.HasErrors() {
		return fmt.Errorf("%s failed validation with %d errors", dir, res.ErrorCount())
	}
	return nil
}

func createChatModel(ctx context.Context, cfg config.ModelConfig) (synthesis.ChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("SYNTHESIS_API_KEY environment variable or model.apiKey required")
	}

	modelConfig := &openai.ChatModelConfig{
		Model:       cfg.Name,
		APIKey:      cfg.APIKey,
		Temperature: ptr.To(cfg.Temperature),
		MaxTokens:   ptr.To(cfg.MaxTokens),
		Timeout:     cfg.RequestTimeout,
	}
	if cfg.Endpoint != "" {
		modelConfig.BaseURL = normalizeEndpoint(cfg.Endpoint)
	}

	chatModel, err := openai.NewChatModel(ctx, modelConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChatModel: %w", err)
	}
	return chatModel, nil
}

// normalizeEndpoint adds the /v1 suffix OpenAI-compatible APIs expect.
func normalizeEndpoint(endpoint string) string {
	if strings.HasSuffix(endpoint, "/v1") || strings.HasSuffix(endpoint, "/v1/") {
		return endpoint
	}
	return strings.TrimSuffix(endpoint, "/") + "/v1"
}

func serveMetrics(addr string, log logr.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server stopped")
		}
	}()
	log.Info("Serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
