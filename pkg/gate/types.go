// Package gate defines the core value types shared by every stage of the
// Bulwark content gate: messages flowing through the pipeline, findings
// reported by detectors, and the verdict returned to the caller.
//
// Message, Finding and Verdict are immutable value types. The only mutable,
// concurrently-accessed state in the system lives in the session store
// (pkg/session); everything here is freely copyable.
package gate

import "fmt"

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Category is a detector risk family. The set is extensible: a new detector
// category is added by implementing Detector with a new Category value, not
// by touching the pipeline.
type Category string

const (
	CategoryPII       Category = "PII"
	CategoryToxic     Category = "TOXIC"
	CategoryJailbreak Category = "JAILBREAK"
)

// Finding subtypes reported by the built-in detectors.
const (
	// PII subtypes
	SubtypeSSN        = "SSN"
	SubtypeEmail      = "EMAIL"
	SubtypePhone      = "PHONE"
	SubtypeCreditCard = "CREDIT_CARD"
	SubtypeIPAddress  = "IP_ADDRESS"
	SubtypeAPIKey     = "API_KEY"
	SubtypePrivateKey = "PRIVATE_KEY"
	SubtypeJWT        = "JWT"
	SubtypeDBURI      = "DB_URI"

	// Toxicity subtypes
	SubtypeInsult = "INSULT"
	SubtypeThreat = "THREAT"
	SubtypeHate   = "HATE"
	SubtypeSexual = "SEXUAL"

	// Jailbreak subtypes (pattern families)
	SubtypeInstructionOverride = "INSTRUCTION_OVERRIDE"
	SubtypeRoleOverride        = "ROLE_OVERRIDE"
	SubtypeInstructionLeak     = "INSTRUCTION_LEAK"
	SubtypeEncodingSmuggling   = "ENCODING_SMUGGLING"
	SubtypeMultiTurnEscalation = "MULTI_TURN_ESCALATION"
	SubtypeSemanticMatch       = "SEMANTIC_MATCH"
	SubtypeModelClassified     = "MODEL_CLASSIFIED"
)

// Message is a single immutable input unit. A redacted copy is a new value,
// never an in-place edit.
type Message struct {
	Text      string `json:"text"`
	Role      Role   `json:"role"`
	SessionID string `json:"session_id"`
	TurnIndex int    `json:"turn_index"` // monotonic per session
}

// Finding is one detector-reported risk signal. Start/End are byte offsets
// into Message.Text, half-open [Start, End). Spans from a single detector
// call never overlap (detector contract, enforced by Validate in tests);
// spans across detectors may overlap and are merged at redaction time.
type Finding struct {
	Category   Category `json:"category"`
	Subtype    string   `json:"subtype"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Confidence float64  `json:"confidence"` // 0.0 - 1.0
	DetectorID string   `json:"detector_id,omitempty"`
}

// Validate checks the span invariant 0 <= Start < End <= len(text) and the
// confidence range.
func (f Finding) Validate(textLen int) error {
	if f.Start < 0 || f.Start >= f.End || f.End > textLen {
		return fmt.Errorf("finding %s/%s: invalid span [%d,%d) for text length %d",
			f.Category, f.Subtype, f.Start, f.End, textLen)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("finding %s/%s: confidence %.3f out of range",
			f.Category, f.Subtype, f.Confidence)
	}
	return nil
}

// Decision is the pipeline's final action for a message.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionRedact Decision = "REDACT"
	DecisionBlock  Decision = "BLOCK"
)

// Verdict is the immutable result of policy resolution for one message.
type Verdict struct {
	Decision Decision `json:"decision"`

	// OutputText is the original text on ALLOW, the rewritten text on
	// REDACT, and the configured refusal marker on BLOCK.
	OutputText string `json:"output_text"`

	// TriggeredFindings are the findings that caused the decision, in
	// detector order. Empty on a clean ALLOW.
	TriggeredFindings []Finding `json:"findings,omitempty"`

	// ReasonCode encodes the triggering category and subtype, e.g.
	// "JAILBREAK_INSTRUCTION_OVERRIDE", or "CLEAN" for an untriggered ALLOW.
	ReasonCode string `json:"reason_code"`

	// Degraded lists detector IDs that timed out or crashed during this
	// evaluation. The verdict was computed without their findings.
	Degraded []string `json:"degraded,omitempty"`
}

// ReasonClean is the reason code for a verdict with no triggering findings.
const ReasonClean = "CLEAN"

// Reason builds a reason code from a category and subtype.
func Reason(cat Category, subtype string) string {
	if subtype == "" {
		return string(cat)
	}
	return string(cat) + "_" + subtype
}
