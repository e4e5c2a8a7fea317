package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/banyu-tech/bulwark/pkg/audit"
	"github.com/banyu-tech/bulwark/pkg/config"
	"github.com/banyu-tech/bulwark/pkg/detect"
	"github.com/banyu-tech/bulwark/pkg/gate"
	"github.com/banyu-tech/bulwark/pkg/pipeline"
	"github.com/banyu-tech/bulwark/pkg/session"
)

const Version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		port := "3000"
		if len(os.Args) > 2 {
			port = os.Args[2]
		}
		runHTTPServer(port)
	case "scan":
		if len(os.Args) < 3 {
			fmt.Println("Usage: bulwark scan <text>")
			os.Exit(1)
		}
		runCLIScan(strings.Join(os.Args[2:], " "))
	case "version":
		fmt.Printf("Bulwark v%s\n", Version)
		fmt.Println("In-line content security gate for AI agent dialogue")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("Bulwark v%s - content security gate\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  bulwark serve [port]   Start HTTP server (default: 3000)")
	fmt.Println("  bulwark scan <text>    Evaluate text once and print the verdict")
	fmt.Println("  bulwark version        Show version")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  BULWARK_CONFIG           Path to YAML config file")
	fmt.Println("  BULWARK_REDIS_URL        Redis-backed session store")
	fmt.Println("  BULWARK_ENABLE_GUARD     Enable Ollama guard-model toxicity")
	fmt.Println("  BULWARK_ENABLE_SEMANTICS Enable embedding similarity detection")
	fmt.Println("  BULWARK_ENABLE_ONNX      Enable local ONNX injection classifier")
	fmt.Println("  BULWARK_POSTGRES_URL     Postgres audit sink")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(os.Getenv("BULWARK_CONFIG"))
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	cfg.MustValidate()
	return cfg
}

// buildDetectors assembles the detector set. The three built-in detectors
// are always on; model-backed detectors are optional and degrade to absent
// when their backend is unreachable.
func buildDetectors(ctx context.Context, cfg *config.Config) []gate.Detector {
	jbOpts := []detect.JailbreakOption{}
	if cfg.SeedDir != "" {
		seeds, err := detect.LoadSeedPatterns(cfg.SeedDir)
		if err != nil {
			log.Fatalf("FATAL: seed patterns: %v", err)
		}
		log.Printf("✓ Loaded %d seed patterns from %s", len(seeds), cfg.SeedDir)
		jbOpts = append(jbOpts, detect.WithSeedPatterns(seeds))
	}

	detectors := []gate.Detector{
		detect.NewPIIDetector(),
		detect.NewToxicityDetector(),
		detect.NewJailbreakDetector(jbOpts...),
	}

	ollama := detect.NewOllamaClient(cfg.OllamaBaseURL)

	if cfg.EnableGuard {
		guard, err := detect.NewGuardDetector(ctx, ollama, cfg.GuardModel)
		if err != nil {
			log.Printf("○ Guard model disabled (%v)", err)
		} else {
			detectors = append(detectors, guard)
			log.Printf("✓ Guard model enabled (%s via Ollama)", cfg.GuardModel)
		}
	} else {
		log.Println("○ Guard model disabled (BULWARK_ENABLE_GUARD not set)")
	}

	if cfg.EnableSemantics {
		seedCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		sem, err := detect.NewSemanticDetector(seedCtx, ollama, "embeddinggemma")
		cancel()
		if err != nil {
			log.Printf("○ Semantic detection disabled (%v)", err)
		} else {
			detectors = append(detectors, sem)
			log.Println("✓ Semantic detection enabled (chromem-go + Ollama embeddings)")
		}
	} else {
		log.Println("○ Semantic detection disabled (BULWARK_ENABLE_SEMANTICS not set)")
	}

	if cfg.EnableONNX {
		onnx, err := detect.NewONNXDetector(detect.DefaultONNXConfig(config.GetEnv("BULWARK_ONNX_MODEL", "./models/injection")))
		if err != nil {
			log.Printf("○ ONNX classifier disabled (%v)", err)
		} else {
			detectors = append(detectors, onnx)
			log.Println("✓ ONNX classifier enabled (hugot)")
		}
	} else {
		log.Println("○ ONNX classifier disabled (BULWARK_ENABLE_ONNX not set)")
	}

	return detectors
}

func buildStore(ctx context.Context, cfg *config.Config) session.Store {
	params := session.Params{
		Window:       cfg.WindowSize,
		ExcerptLimit: cfg.ExcerptLimit,
		TTL:          cfg.SessionTTL.Std(),
		Decay:        decayRates(cfg),
	}
	if cfg.RedisURL != "" {
		store, err := session.NewRedisStore(ctx, cfg.RedisURL, params)
		if err != nil {
			log.Fatalf("FATAL: redis session store: %v", err)
		}
		log.Printf("✓ Session store: redis (%s)", cfg.RedisURL)
		return store
	}
	log.Println("✓ Session store: in-memory")
	return session.NewMemoryStore(params, cfg.SweepInterval.Std())
}

func decayRates(cfg *config.Config) map[gate.Category]float64 {
	decay := make(map[gate.Category]float64, len(cfg.Categories))
	for name, pol := range cfg.Categories {
		decay[gate.Category(name)] = pol.DecayRate
	}
	return decay
}

func buildAudit(ctx context.Context, cfg *config.Config) audit.Sink {
	var sinks []audit.Sink
	if cfg.AuditLogPath != "" {
		fs, err := audit.NewFileSink(cfg.AuditLogPath)
		if err != nil {
			log.Fatalf("FATAL: audit log: %v", err)
		}
		sinks = append(sinks, fs)
		log.Printf("✓ Audit log: %s", cfg.AuditLogPath)
	}
	if cfg.PostgresURL != "" {
		pg, err := audit.NewPostgresSink(ctx, cfg.PostgresURL)
		if err != nil {
			log.Printf("○ Postgres audit sink disabled (%v)", err)
		} else {
			sinks = append(sinks, pg)
			log.Println("✓ Audit sink: postgres")
		}
	}
	if len(sinks) == 0 {
		return nil
	}
	return audit.NewMultiSink(sinks...)
}

// ============================================================================
// HTTP Server Mode
// ============================================================================

func runHTTPServer(port string) {
	ctx := context.Background()
	cfg := loadConfig()

	store := buildStore(ctx, cfg)
	defer func() { _ = store.Close() }()

	sink := buildAudit(ctx, cfg)
	if sink != nil {
		defer func() { _ = sink.Close() }()
	}

	pipe := pipeline.New(cfg, store, buildDetectors(ctx, cfg), sink)

	app := fiber.New(fiber.Config{
		AppName: "Bulwark",
	})

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": Version})
	})

	app.Post("/v1/evaluate", func(c fiber.Ctx) error {
		var req struct {
			SessionID string `json:"session_id"`
			Role      string `json:"role"`
			Text      string `json:"text"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}
		if req.SessionID == "" {
			// Single-shot callers get a fresh session; the id comes back in
			// the response so they can continue the dialogue.
			req.SessionID = uuid.NewString()
		}
		role := gate.Role(req.Role)
		switch role {
		case gate.RoleUser, gate.RoleAssistant, gate.RoleSystem:
		case "":
			role = gate.RoleUser
		default:
			return c.Status(400).JSON(fiber.Map{"error": "role must be user, assistant or system"})
		}

		verdict, err := pipe.Evaluate(c.Context(), gate.Message{
			Text:      req.Text,
			Role:      role,
			SessionID: req.SessionID,
		})
		switch {
		case errors.Is(err, gate.ErrInputTooLarge):
			return c.Status(413).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, gate.ErrStoreUnavailable):
			return c.Status(503).JSON(fiber.Map{"error": err.Error()})
		case err != nil:
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(struct {
			SessionID string `json:"session_id"`
			gate.Verdict
		}{req.SessionID, verdict})
	})

	app.Post("/v1/session/close", func(c fiber.Ctx) error {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := c.Bind().Body(&req); err != nil || req.SessionID == "" {
			return c.Status(400).JSON(fiber.Map{"error": "session_id is required"})
		}
		if err := pipe.CloseSession(c.Context(), req.SessionID); err != nil {
			return c.Status(503).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "closed"})
	})

	log.Printf("Bulwark HTTP server starting on :%s", port)
	log.Printf("Endpoints:")
	log.Printf("  GET  /health            - Health check")
	log.Printf("  POST /v1/evaluate       - Evaluate one message")
	log.Printf("  POST /v1/session/close  - Discard a session's context")

	if err := app.Listen(":" + port); err != nil {
		log.Fatal(err)
	}
}

// ============================================================================
// CLI Scan Mode
// ============================================================================

func runCLIScan(text string) {
	ctx := context.Background()
	cfg := loadConfig()

	store := session.NewMemoryStore(session.Params{
		Window:       cfg.WindowSize,
		ExcerptLimit: cfg.ExcerptLimit,
		TTL:          cfg.SessionTTL.Std(),
		Decay:        decayRates(cfg),
	}, 0)
	defer func() { _ = store.Close() }()

	pipe := pipeline.New(cfg, store, buildDetectors(ctx, cfg), nil)

	verdict, err := pipe.Evaluate(ctx, gate.Message{
		Text:      text,
		Role:      gate.RoleUser,
		SessionID: "cli",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(verdict, "", "  ")
	fmt.Println(string(out))

	if verdict.Decision == gate.DecisionBlock {
		os.Exit(2)
	}
}
