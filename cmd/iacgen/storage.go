package main

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/based/iacgen/pkg/config"
	"github.com/based/iacgen/pkg/iac"
	"github.com/based/iacgen/pkg/orchestrator"
	"github.com/based/iacgen/pkg/storage"
	"github.com/based/iacgen/pkg/validation"
)

// unitLoader reads a stored unit's files back.
type unitLoader interface {
	Load(ctx context.Context, dir string) (map[string]string, error)
}

// runLister lists the unit ConfigMaps of the current run.
type runLister interface {
	ListRun(ctx context.Context) ([]corev1.ConfigMap, error)
}

func newKubeClient() (client.Client, error) {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return c, nil
}

func newStore(cfg config.Config, runID string, log logr.Logger) (storage.Store, error) {
	if cfg.Storage.Backend != "configmap" {
		return storage.NewFileStore(cfg.OutputDir, log), nil
	}
	c, err := newKubeClient()
	if err != nil {
		return nil, err
	}
	return storage.NewConfigMapStore(c, cfg.Storage.Namespace, runID, log), nil
}

// validateUnit checks dir on disk, or the unit stored under dir when loader
// is set.
func validateUnit(ctx context.Context, v *validation.Validator, loader unitLoader, dir string) (iac.ValidationResult, error) {
	if loader == nil {
		return v.ValidateDir(ctx, dir)
	}
	files, err := loader.Load(ctx, dir)
	if err != nil {
		return iac.ValidationResult{}, err
	}
	return v.Validate(ctx, files)
}

// verifyPersisted returns the units of report that produced files but have
// no ConfigMap in the run.
func verifyPersisted(ctx context.Context, lister runLister, report *orchestrator.Report) ([]string, error) {
	items, err := lister.ListRun(ctx)
	if err != nil {
		return nil, err
	}
	stored := make(map[string]bool, len(items))
	for _, cm := range items {
		stored[cm.Name] = true
	}
	var missing []string
	for _, u := range report.Units {
		if len(u.Files) > 0 && !stored[storage.ConfigMapName(u.Dir)] {
			missing = append(missing, u.ID)
		}
	}
	return missing, nil
}
