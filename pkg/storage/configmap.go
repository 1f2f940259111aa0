package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/based/iacgen/pkg/iac"
)

var configMapTracer = otel.Tracer("iacgen/configmap-store")

const (
	LabelUnit      = "iacgen.io/unit"
	LabelRun       = "iacgen.io/run"
	LabelStatus    = "iacgen.io/status"
	LabelComponent = "iacgen.io/component"

	AnnotationTermination = "iacgen.io/termination"
	AnnotationValidation  = "iacgen.io/validation"
	AnnotationUpdatedAt   = "iacgen.io/updated-at"

	// DebugKey holds the raw response in a unit's debug ConfigMap.
	DebugKey = "response.txt"

	pathSeparatorKey = "__"
)

// ConfigMapStore keeps each unit as a ConfigMap named iacgen-<unit>. File
// paths become data keys with "/" encoded as "__".
type ConfigMapStore struct {
	client    client.Client
	namespace string
	runID     string
	log       logr.Logger
}

func NewConfigMapStore(c client.Client, namespace, runID string, log logr.Logger) *ConfigMapStore {
	return &ConfigMapStore{
		client:    c,
		namespace: namespace,
		runID:     runID,
		log:       log.WithName("configmap-store"),
	}
}

var (
	invalidName  = regexp.MustCompile(`[^a-z0-9.-]+`)
	invalidLabel = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
)

// ConfigMapName maps a unit directory to a DNS-1123 compatible name.
func ConfigMapName(dir string) string {
	name := "iacgen-" + invalidName.ReplaceAllString(strings.ToLower(dir), "-")
	name = strings.Trim(name, "-.")
	if len(name) > 253 {
		name = strings.TrimRight(name[:253], "-.")
	}
	return name
}

// EncodeKey turns a relative file path into a ConfigMap data key.
func EncodeKey(path string) string {
	return strings.ReplaceAll(path, "/", pathSeparatorKey)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(key string) string {
	return strings.ReplaceAll(key, pathSeparatorKey, "/")
}

func labelValue(s string) string {
	v := invalidLabel.ReplaceAllString(s, "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-_.")
}

func (s *ConfigMapStore) Persist(ctx context.Context, dir string, set *iac.ArtifactSet) error {
	ctx, span := configMapTracer.Start(ctx, "configmap.persist")
	defer span.End()

	validation, err := json.Marshal(set.Validation)
	if err != nil {
		return fmt.Errorf("encode validation: %w", err)
	}

	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: ConfigMapName(dir), Namespace: s.namespace}}
	op, err := controllerutil.CreateOrUpdate(ctx, s.client, cm, func() error {
		if cm.Labels == nil {
			cm.Labels = map[string]string{}
		}
		cm.Labels[LabelUnit] = labelValue(dir)
		cm.Labels[LabelRun] = labelValue(s.runID)
		cm.Labels[LabelStatus] = string(set.Validation.Status)
		cm.Labels[LabelComponent] = "module"

		if cm.Annotations == nil {
			cm.Annotations = map[string]string{}
		}
		cm.Annotations[AnnotationTermination] = set.Termination
		cm.Annotations[AnnotationValidation] = string(validation)
		cm.Annotations[AnnotationUpdatedAt] = time.Now().UTC().Format(time.RFC3339)

		cm.Data = make(map[string]string, len(set.Files))
		for name, content := range set.Files {
			cm.Data[EncodeKey(name)] = content
		}
		cm.Immutable = ptr.To(false)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to persist ConfigMap %s: %w", cm.Name, err)
	}

	span.SetAttributes(
		attribute.String("configmap.name", cm.Name),
		attribute.String("configmap.operation", string(op)),
		attribute.Int("configmap.files", len(set.Files)),
	)
	s.log.Info("Persisted unit ConfigMap", "configmap", cm.Name, "operation", op, "files", len(set.Files))
	return nil
}

func (s *ConfigMapStore) WriteDebug(ctx context.Context, dir string, raw string) error {
	ctx, span := configMapTracer.Start(ctx, "configmap.write_debug")
	defer span.End()

	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: ConfigMapName(dir) + "-debug", Namespace: s.namespace}}
	_, err := controllerutil.CreateOrUpdate(ctx, s.client, cm, func() error {
		if cm.Labels == nil {
			cm.Labels = map[string]string{}
		}
		cm.Labels[LabelUnit] = labelValue(dir)
		cm.Labels[LabelRun] = labelValue(s.runID)
		cm.Labels[LabelComponent] = "debug"
		cm.Data = map[string]string{DebugKey: raw}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write debug ConfigMap %s: %w", cm.Name, err)
	}
	s.log.Info("Wrote unparseable response to debug ConfigMap", "configmap", cm.Name, "bytes", len(raw))
	return nil
}

// Load reads a unit's files back.
func (s *ConfigMapStore) Load(ctx context.Context, dir string) (map[string]string, error) {
	cm := &corev1.ConfigMap{}
	key := types.NamespacedName{Namespace: s.namespace, Name: ConfigMapName(dir)}
	if err := s.client.Get(ctx, key, cm); err != nil {
		return nil, fmt.Errorf("failed to get ConfigMap %s: %w", key.Name, err)
	}
	files := make(map[string]string, len(cm.Data))
	for k, v := range cm.Data {
		files[DecodeKey(k)] = v
	}
	return files, nil
}

// ListRun returns the unit ConfigMaps written by this store's run.
func (s *ConfigMapStore) ListRun(ctx context.Context) ([]corev1.ConfigMap, error) {
	list := &corev1.ConfigMapList{}
	if err := s.client.List(ctx, list,
		client.InNamespace(s.namespace),
		client.MatchingLabels{LabelRun: labelValue(s.runID), LabelComponent: "module"},
	); err != nil {
		return nil, fmt.Errorf("failed to list run ConfigMaps: %w", err)
	}
	return list.Items, nil
}
