package detect

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

// ONNXConfig configures the local ONNX injection classifier.
type ONNXConfig struct {
	// ModelPath is the local path to an ONNX model directory containing
	// model.onnx and tokenizer files.
	ModelPath string

	// OnnxLibraryPath is the directory holding libonnxruntime. Empty means
	// use the pure Go backend.
	OnnxLibraryPath string
}

// DefaultONNXConfig probes common ONNX Runtime install locations.
func DefaultONNXConfig(modelPath string) ONNXConfig {
	return ONNXConfig{ModelPath: modelPath, OnnxLibraryPath: findOnnxRuntime()}
}

func findOnnxRuntime() string {
	paths := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Dir(p)
		}
	}
	return ""
}

// ONNXDetector classifies messages with a local prompt-injection model
// (DeBERTa or ModernBERT fine-tunes). Fully offline; complements the regex
// and semantic layers with learned generalization.
type ONNXDetector struct {
	session  *hugot.Session
	pipeline *pipelines.TextClassificationPipeline
	mu       sync.RWMutex
}

// NewONNXDetector loads the model and builds the classification pipeline.
// Tries the ONNX Runtime backend first and falls back to the pure Go backend
// when the runtime library is missing.
func NewONNXDetector(cfg ONNXConfig) (*ONNXDetector, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("no model path configured")
	}
	if _, err := os.Stat(filepath.Join(cfg.ModelPath, "model.onnx")); err != nil {
		return nil, fmt.Errorf("model not found at %s: %w", cfg.ModelPath, err)
	}

	session, err := newHugotSession(cfg.OnnxLibraryPath)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.TextClassificationConfig{
		ModelPath: cfg.ModelPath,
		Name:      "injection-classifier",
	})
	if err != nil {
		_ = session.Destroy()
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	return &ONNXDetector{session: session, pipeline: pipeline}, nil
}

func newHugotSession(libPath string) (*hugot.Session, error) {
	if libPath != "" {
		session, err := hugot.NewORTSession(options.WithOnnxLibraryPath(libPath))
		if err == nil {
			return session, nil
		}
		log.Printf("[WARN] ONNX Runtime unavailable, falling back to Go backend: %v", err)
	}
	return hugot.NewGoSession()
}

func (d *ONNXDetector) ID() string              { return "jailbreak.onnx" }
func (d *ONNXDetector) Category() gate.Category { return gate.CategoryJailbreak }

// isThreatLabel maps the label conventions of the supported models onto a
// threat decision.
func isThreatLabel(label string) bool {
	switch label {
	case "jailbreak", "INJECTION", "malicious", "LABEL_1":
		return true
	default:
		return false
	}
}

// Detect classifies the full message. The model does not localize, so a
// threat verdict covers the whole text.
func (d *ONNXDetector) Detect(_ context.Context, msg gate.Message, _ *gate.Snapshot) ([]gate.Finding, error) {
	if msg.Text == "" {
		return nil, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	result, err := d.pipeline.RunPipeline([]string{msg.Text})
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}
	if len(result.ClassificationOutputs) == 0 || len(result.ClassificationOutputs[0]) == 0 {
		return nil, nil
	}

	out := result.ClassificationOutputs[0][0]
	if !isThreatLabel(out.Label) {
		return nil, nil
	}

	return []gate.Finding{{
		Category:   gate.CategoryJailbreak,
		Subtype:    gate.SubtypeModelClassified,
		Start:      0,
		End:        len(msg.Text),
		Confidence: float64(out.Score),
		DetectorID: d.ID(),
	}}, nil
}

// Close releases the underlying ONNX session.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := d.session.Destroy()
	d.session = nil
	return err
}
