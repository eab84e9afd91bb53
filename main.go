package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/medigraph/clinagent/capability"
	"github.com/medigraph/clinagent/clinical"
	"github.com/medigraph/clinagent/config"
	"github.com/medigraph/clinagent/graph"
	"github.com/medigraph/clinagent/knowledge/qdrant"
	"github.com/medigraph/clinagent/observe"
	otelsink "github.com/medigraph/clinagent/observe/otel"
	"github.com/medigraph/clinagent/reasoning/openai"
	"github.com/medigraph/clinagent/record/fhir"
	"github.com/medigraph/clinagent/reviewqueue"
	"github.com/medigraph/clinagent/store"
	"github.com/medigraph/clinagent/store/factory"
	"github.com/medigraph/clinagent/types"
)

type cliOptions struct {
	configPath string
	decision   string
	editedPlan string
	reviewer   string
	note       string
	reason     string
	status     string
	consumer   string
	ack        bool
}

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printHelp()
		os.Exit(2)
	}
	switch strings.TrimSpace(os.Args[1]) {
	case "run":
		runSession(ctx, os.Args[2:])
	case "resume":
		resumeSession(ctx, os.Args[2:])
	case "cancel":
		cancelSession(ctx, os.Args[2:])
	case "sessions":
		listSessions(ctx, os.Args[2:])
	case "reviews":
		claimReviews(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printHelp()
	default:
		runSession(ctx, os.Args[1:])
	}
}

func runSession(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	query := normalizeInput(positional)
	if query == "" {
		log.Fatal("query cannot be empty")
	}

	cfg := loadConfig(opts)
	exec, closeAll := buildExecutor(cfg)
	defer closeAll()

	result, err := exec.Start(ctx, query)
	if err != nil {
		log.Fatalf("run failed (%s): %v", graph.KindOf(err), err)
	}
	printResult(result)
}

func resumeSession(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	if len(positional) < 1 {
		log.Fatal("usage: resume <session-id> --decision=approved|edited|rejected [--plan=...] [--reviewer=...] [--note=...]")
	}
	sessionID := strings.TrimSpace(positional[0])
	if sessionID == "" {
		log.Fatal("session-id cannot be empty")
	}
	decision, err := parseDecision(opts)
	if err != nil {
		log.Fatal(err)
	}

	cfg := loadConfig(opts)
	exec, closeAll := buildExecutor(cfg)
	defer closeAll()

	result, err := exec.Resume(ctx, sessionID, decision)
	if err != nil {
		if errors.Is(err, graph.ErrPrecondition) {
			log.Fatalf("cannot resume: %v", err)
		}
		log.Fatalf("resume failed (%s): %v", graph.KindOf(err), err)
	}
	printResult(result)
}

func cancelSession(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	if len(positional) < 1 {
		log.Fatal("usage: cancel <session-id> [--reason=...]")
	}
	sessionID := strings.TrimSpace(positional[0])
	if sessionID == "" {
		log.Fatal("session-id cannot be empty")
	}

	cfg := loadConfig(opts)
	exec, closeAll := buildExecutor(cfg)
	defer closeAll()

	if err := exec.Cancel(ctx, sessionID, opts.reason); err != nil {
		log.Fatalf("cancel failed: %v", err)
	}
	fmt.Printf("%s\tfailed\tcancelled\n", sessionID)
}

func listSessions(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)
	cfg := loadConfig(opts)

	sessionStore, err := factory.FromConfig(cfg.State)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore(sessionStore)

	records, err := sessionStore.ListSessions(ctx, store.ListSessionsQuery{
		Status: strings.TrimSpace(opts.status),
		Limit:  100,
	})
	if err != nil {
		log.Fatalf("list sessions failed: %v", err)
	}
	sort.Slice(records, func(i, j int) bool {
		left, right := time.Time{}, time.Time{}
		if records[i].UpdatedAt != nil {
			left = *records[i].UpdatedAt
		}
		if records[j].UpdatedAt != nil {
			right = *records[j].UpdatedAt
		}
		return left.After(right)
	})
	for _, record := range records {
		updated := "-"
		if record.UpdatedAt != nil {
			updated = record.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", record.SessionID, record.Status, record.PatientID, record.LastNode, updated)
	}
}

// claimReviews drains the clinician worklist: it claims pending suspended
// sessions for a consumer and, with --ack, acknowledges them so another
// operator does not pick them up again.
func claimReviews(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)
	cfg := loadConfig(opts)
	if !strings.EqualFold(cfg.Review.Backend, "redis") {
		log.Fatal(`reviews requires review backend "redis" (set review.backend or CLINAGENT_REVIEW_BACKEND)`)
	}

	queue, err := reviewqueue.NewRedis(cfg.Review.RedisAddr,
		reviewqueue.WithPassword(cfg.Review.RedisPassword),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = queue.Close() }()

	consumer := opts.consumer
	if consumer == "" {
		consumer = "cli"
	}

	pending, err := queue.Len(ctx)
	if err != nil {
		log.Fatalf("review queue length failed: %v", err)
	}
	deliveries, err := queue.Claim(ctx, consumer, 2*time.Second, 10)
	if err != nil {
		log.Fatalf("claim failed: %v", err)
	}
	if len(deliveries) == 0 {
		fmt.Printf("no claimable reviews (%d pending overall)\n", pending)
		return
	}

	ids := make([]string, 0, len(deliveries))
	for _, delivery := range deliveries {
		ids = append(ids, delivery.ID)
		fmt.Printf("%s\t%s\t%.2f\t%s\n", delivery.ID, delivery.Item.SessionID, delivery.Item.Confidence, delivery.Item.Reason)
	}
	if opts.ack {
		if err := queue.Ack(ctx, consumer, ids...); err != nil {
			log.Fatalf("ack failed: %v", err)
		}
		fmt.Printf("acked %d review(s)\n", len(ids))
	}
}

func loadConfig(opts cliOptions) config.Config {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	return cfg
}

func buildExecutor(cfg config.Config) (*graph.Executor, func()) {
	if cfg.Services.OpenAIAPIKey == "" {
		log.Fatal("OPENAI_API_KEY is required")
	}

	var engineOpts []openai.Option
	if cfg.Services.OpenAIModel != "" {
		engineOpts = append(engineOpts, openai.WithModel(cfg.Services.OpenAIModel))
	}
	if cfg.Services.OpenAIEmbeddingModel != "" {
		engineOpts = append(engineOpts, openai.WithEmbeddingModel(cfg.Services.OpenAIEmbeddingModel))
	}
	if cfg.Services.OpenAIBaseURL != "" {
		engineOpts = append(engineOpts, openai.WithBaseURL(cfg.Services.OpenAIBaseURL))
	}
	engine, err := openai.New(cfg.Services.OpenAIAPIKey, engineOpts...)
	if err != nil {
		log.Fatal(err)
	}

	recordService, err := fhir.New(cfg.Services.FHIRBaseURL)
	if err != nil {
		log.Fatal(err)
	}

	var qdrantOpts []qdrant.Option
	if cfg.Services.QdrantAPIKey != "" {
		qdrantOpts = append(qdrantOpts, qdrant.WithAPIKey(cfg.Services.QdrantAPIKey))
	}
	knowledgeBase, err := qdrant.New(cfg.Services.QdrantURL, cfg.Services.QdrantCollection, engine, qdrantOpts...)
	if err != nil {
		log.Fatal(err)
	}

	registry := capability.NewRegistry()
	rx := clinical.NewRxNormClient(cfg.Services.RxNormBaseURL)
	if err := clinical.RegisterBuiltins(registry, rx, engine); err != nil {
		log.Fatal(err)
	}
	invoker, err := capability.NewInvoker(registry,
		capability.WithTimeout(cfg.Tools.Timeout()),
		capability.WithRetryPolicy(capability.RetryPolicy{MaxAttempts: cfg.Tools.MaxAttempts}),
	)
	if err != nil {
		log.Fatal(err)
	}

	g, err := clinical.Build(clinical.Deps{
		Record:    recordService,
		Knowledge: knowledgeBase,
		Engine:    engine,
		Registry:  registry,
		Invoker:   invoker,
	}, clinical.Config{
		GradeCeiling:        cfg.Graph.GradeCeiling,
		ToolBudget:          cfg.Graph.ToolBudget,
		CritiqueCeiling:     cfg.Graph.CritiqueCeiling,
		ConfidenceThreshold: cfg.Graph.ConfidenceThreshold,
		TopK:                cfg.Graph.TopK,
	})
	if err != nil {
		log.Fatal(err)
	}

	sessionStore, err := factory.FromConfig(cfg.State)
	if err != nil {
		log.Fatal(err)
	}

	closers := []func(){func() { closeStore(sessionStore) }}
	execOpts := []graph.ExecutorOption{graph.WithStore(sessionStore)}

	if strings.EqualFold(cfg.Review.Backend, "redis") {
		queue, err := reviewqueue.NewRedis(cfg.Review.RedisAddr,
			reviewqueue.WithPassword(cfg.Review.RedisPassword),
		)
		if err != nil {
			log.Fatal(err)
		}
		execOpts = append(execOpts, graph.WithReviewQueue(queue))
		closers = append(closers, func() { _ = queue.Close() })
	}

	if cfg.Telemetry.OTel {
		execOpts = append(execOpts, graph.WithObserver(otelsink.NewSink(otel.GetTracerProvider())))
	} else {
		execOpts = append(execOpts, graph.WithObserver(observe.NewLogSink(log.Default())))
	}

	exec, err := graph.NewExecutor(g, execOpts...)
	if err != nil {
		log.Fatal(err)
	}

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return exec, closeAll
}

func printResult(result graph.Result) {
	fmt.Printf("session: %s\nstatus:  %s\ntrace:   %s\n", result.SessionID, result.Status, strings.Join(result.NodeTrace, " -> "))
	if result.Status == types.StatusSuspended {
		fmt.Printf("\nsuspended for clinician review; resume with:\n  clinagent resume %s --decision=approved\n", result.SessionID)
	}
	if result.Draft != nil {
		raw, err := json.MarshalIndent(result.Draft, "", "  ")
		if err == nil {
			fmt.Printf("\nrecommendation:\n%s\n", raw)
		}
	}
	if result.Decision != nil {
		fmt.Printf("\ndecision: %s", result.Decision.Decision)
		if result.Decision.Reviewer != "" {
			fmt.Printf(" by %s", result.Decision.Reviewer)
		}
		fmt.Println()
	}
}

func parseDecision(opts cliOptions) (types.HumanDecision, error) {
	decision := types.Decision(strings.ToLower(strings.TrimSpace(opts.decision)))
	switch decision {
	case types.DecisionApproved, types.DecisionRejected:
	case types.DecisionEdited:
		if strings.TrimSpace(opts.editedPlan) == "" {
			return types.HumanDecision{}, fmt.Errorf("--decision=edited requires --plan")
		}
	default:
		return types.HumanDecision{}, fmt.Errorf("unknown decision %q (use approved, edited, or rejected)", opts.decision)
	}
	return types.HumanDecision{
		Decision:   decision,
		EditedPlan: strings.TrimSpace(opts.editedPlan),
		Reviewer:   strings.TrimSpace(opts.reviewer),
		Note:       strings.TrimSpace(opts.note),
	}, nil
}

func parseArgs(args []string) (cliOptions, []string) {
	opts := cliOptions{}
	positional := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case strings.HasPrefix(arg, "--decision="):
			opts.decision = strings.TrimSpace(strings.TrimPrefix(arg, "--decision="))
		case strings.HasPrefix(arg, "--plan="):
			opts.editedPlan = strings.TrimSpace(strings.TrimPrefix(arg, "--plan="))
		case strings.HasPrefix(arg, "--reviewer="):
			opts.reviewer = strings.TrimSpace(strings.TrimPrefix(arg, "--reviewer="))
		case strings.HasPrefix(arg, "--note="):
			opts.note = strings.TrimSpace(strings.TrimPrefix(arg, "--note="))
		case strings.HasPrefix(arg, "--reason="):
			opts.reason = strings.TrimSpace(strings.TrimPrefix(arg, "--reason="))
		case strings.HasPrefix(arg, "--status="):
			opts.status = strings.TrimSpace(strings.TrimPrefix(arg, "--status="))
		case strings.HasPrefix(arg, "--consumer="):
			opts.consumer = strings.TrimSpace(strings.TrimPrefix(arg, "--consumer="))
		case arg == "--ack":
			opts.ack = true
		default:
			positional = append(positional, arg)
		}
	}
	return opts, positional
}

func normalizeInput(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) == "--" {
		args = args[1:]
	}
	return strings.TrimSpace(strings.Join(args, " "))
}

func closeStore(s store.Store) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		log.Printf("state store close failed: %v", err)
	}
}

func printHelp() {
	fmt.Println(`clinagent - clinical decision-support sessions

Usage:
  clinagent run <query> [--config=path]
  clinagent resume <session-id> --decision=approved|edited|rejected [--plan=...] [--reviewer=...] [--note=...]
  clinagent cancel <session-id> [--reason=...]
  clinagent sessions [--status=running|suspended|completed|failed]
  clinagent reviews [--consumer=name] [--ack]

Environment:
  OPENAI_API_KEY               reasoning engine credential (required)
  CLINAGENT_STATE_BACKEND      sqlite (default), redis, or memory
  CLINAGENT_FHIR_URL           FHIR server base URL
  CLINAGENT_QDRANT_URL         Qdrant base URL
  CLINAGENT_OTEL               emit OpenTelemetry spans when set

A .env file in the working directory is loaded automatically.`)
}
