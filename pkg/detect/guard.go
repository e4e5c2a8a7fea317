package detect

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

// guardPrompt instructs the guard model to emit one machine-readable line.
// Kept deliberately rigid so parsing stays trivial.
const guardPrompt = `You are a content safety classifier. Classify the message below.
Respond with exactly one line in the format:
VERDICT|SUBTYPE|CONFIDENCE
where VERDICT is SAFE or UNSAFE, SUBTYPE is one of INSULT, THREAT, HATE, SEXUAL, NONE,
and CONFIDENCE is a number between 0.0 and 1.0.

Message:
%s`

// GuardDetector runs a local guard model over the whole message. It
// complements the lexicon detector: the model catches phrasing the lexicon
// misses, the lexicon provides precise spans. Guard findings cover the whole
// message because the model does not localize.
type GuardDetector struct {
	client *OllamaClient
	model  string
}

// NewGuardDetector creates a guard-model toxicity detector. Returns an error
// if the Ollama server is unreachable so the caller can degrade at startup
// rather than on the first request.
func NewGuardDetector(ctx context.Context, client *OllamaClient, model string) (*GuardDetector, error) {
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("guard model unavailable: %w", err)
	}
	return &GuardDetector{client: client, model: model}, nil
}

func (d *GuardDetector) ID() string              { return "toxicity.guard" }
func (d *GuardDetector) Category() gate.Category { return gate.CategoryToxic }

// Detect classifies the full message. Model errors propagate so the pipeline
// can record the detector as degraded.
func (d *GuardDetector) Detect(ctx context.Context, msg gate.Message, _ *gate.Snapshot) ([]gate.Finding, error) {
	if msg.Text == "" {
		return nil, nil
	}

	resp, err := d.client.Generate(ctx, d.model, fmt.Sprintf(guardPrompt, msg.Text))
	if err != nil {
		return nil, err
	}

	verdict, subtype, conf, err := parseGuardResponse(resp)
	if err != nil {
		return nil, err
	}
	if verdict != "UNSAFE" || conf <= 0 {
		return nil, nil
	}

	return []gate.Finding{{
		Category:   gate.CategoryToxic,
		Subtype:    subtype,
		Start:      0,
		End:        len(msg.Text),
		Confidence: conf,
		DetectorID: d.ID(),
	}}, nil
}

// parseGuardResponse extracts the verdict line. The model sometimes wraps the
// line in prose; scan for the first line that parses.
func parseGuardResponse(resp string) (verdict, subtype string, conf float64, err error) {
	for _, line := range strings.Split(resp, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) != 3 {
			continue
		}
		v := strings.ToUpper(strings.TrimSpace(parts[0]))
		if v != "SAFE" && v != "UNSAFE" {
			continue
		}
		s := strings.ToUpper(strings.TrimSpace(parts[1]))
		c, perr := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if perr != nil || c < 0 || c > 1 {
			continue
		}
		switch s {
		case gate.SubtypeInsult, gate.SubtypeThreat, gate.SubtypeHate, gate.SubtypeSexual:
		default:
			s = gate.SubtypeInsult
		}
		return v, s, c, nil
	}
	return "", "", 0, fmt.Errorf("unparseable guard response: %.80q", resp)
}
