// Command orket is the composition root: it wires the Card Repository,
// Session Ledger, Dialect/Role roster, Model Provider, Temporal worker, the
// Orchestrator, and (optionally) the HTTP control surface and webhook
// intake into a running process: flag parsing, JSON/text logger
// selection, a config manager, a background Temporal worker goroutine,
// and signal-driven graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/mcelyea/orket/internal/api"
	"github.com/mcelyea/orket/internal/card"
	"github.com/mcelyea/orket/internal/clock"
	"github.com/mcelyea/orket/internal/config"
	"github.com/mcelyea/orket/internal/ledger"
	"github.com/mcelyea/orket/internal/notify"
	"github.com/mcelyea/orket/internal/orchestrator"
	"github.com/mcelyea/orket/internal/orketflow"
	"github.com/mcelyea/orket/internal/provider"
	"github.com/mcelyea/orket/internal/roster"
	"github.com/mcelyea/orket/internal/statemachine"
	"github.com/mcelyea/orket/internal/toolgate"
	"github.com/mcelyea/orket/internal/verifier"
	"github.com/mcelyea/orket/internal/webhook"
)

const taskQueue = "orket-task-queue"

func configureLogger(dev bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "orket.toml", "path to config file")
	rosterPath := flag.String("roster", "roster.toml", "path to the role/dialect roster file")
	workspace := flag.String("workspace", ".", "workspace root (cards.db, ledger.db, agent output live under here)")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	httpAddr := flag.String("http-addr", "", "address to serve the HTTP control surface on; empty disables it")
	webhookAddr := flag.String("webhook-addr", "", "address to serve webhook intake on; empty disables it")
	webhookSecret := flag.String("webhook-secret", "", "shared HMAC secret for webhook intake (required if -webhook-addr is set)")
	temporalHostPort := flag.String("temporal-hostport", "127.0.0.1:7233", "Temporal frontend address")

	runTarget := flag.String("run", "", "run a session targeting this card ID, then exit")
	resumeSession := flag.String("resume", "", "resume a previously started session ID, then exit")
	verifyTarget := flag.String("verify", "", "run the verification profile against this CODE_REVIEW card, then exit")
	verifyImage := flag.String("verify-image", "golang:1.24", "container image used by -verify")
	importPath := flag.String("import", "", "import cards from a JSON file (legacy kinds/priorities migrated), then exit")
	maxTurns := flag.Int("max-turns", 0, "stop the traction loop after this many turns (0 = unbounded)")
	turnTimeout := flag.Duration("timeout", 2*time.Minute, "per-turn provider timeout")
	dryRun := flag.Bool("dry-run", false, "select and log the next card without dispatching a turn")

	flag.Parse()

	logger := configureLogger(*dev)
	slog.SetDefault(logger)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(2)
	}
	cfg := cfgManager.Get()

	ros, err := roster.Load(*rosterPath)
	if err != nil {
		logger.Error("failed to load roster", "error", err)
		os.Exit(2)
	}

	cardsDB := filepath.Join(*workspace, "cards.db")
	ledgerDB := filepath.Join(*workspace, "ledger.db")
	agentOutputRoot := filepath.Join(*workspace, "agent_out")
	for _, dir := range []string{agentOutputRoot, filepath.Join(*workspace, "verifier"), filepath.Join(*workspace, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create workspace directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	cards, err := card.Open(cardsDB, clock.System{})
	if err != nil {
		logger.Error("failed to open card repository", "path", cardsDB, "error", err)
		os.Exit(1)
	}
	defer cards.Close()

	ldg, err := ledger.Open(ledgerDB, clock.System{})
	if err != nil {
		logger.Error("failed to open session ledger", "path", ledgerDB, "error", err)
		os.Exit(1)
	}
	defer ldg.Close()

	var prov provider.Provider
	switch cfg.Provider.Kind {
	case "local":
		prov = provider.NewLocal(cfg.Provider.Endpoint)
	default:
		prov = &provider.Stub{}
	}

	tc, err := client.Dial(client.Options{HostPort: *temporalHostPort})
	if err != nil {
		logger.Error("failed to connect to temporal", "hostport", *temporalHostPort, "error", err)
		os.Exit(1)
	}
	defer tc.Close()

	gateConfig := toolgate.Config{
		AgentOutputRoot:         agentOutputRoot,
		ForbiddenExtensions:     cfg.ForbiddenExtensions,
		IDesignEnabled:          cfg.IDesignEnabled,
		ComplexityGateThreshold: cfg.ComplexityGateThreshold,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := worker.New(tc, taskQueue, worker.Options{})
	acts := &orketflow.Activities{Cards: cards, Ledger: ldg, Provider: prov, Clock: clock.System{}}
	w.RegisterWorkflow(orketflow.TurnWorkflow)
	w.RegisterActivity(acts.LoadCardSnapshotActivity)
	w.RegisterActivity(acts.RecentContextActivity)
	w.RegisterActivity(acts.CompilePromptActivity)
	w.RegisterActivity(acts.InvokeProviderActivity)
	w.RegisterActivity(acts.ParseOutputActivity)
	w.RegisterActivity(acts.GovernAndApplyActivity)
	w.RegisterActivity(acts.ProposeTransitionActivity)
	w.RegisterActivity(acts.AppendTurnActivity)

	go func() {
		logger.Info("starting temporal worker", "task_queue", taskQueue)
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Error("temporal worker stopped", "error", err)
		}
	}()

	orch := orchestrator.New(cards, ldg, tc, taskQueue, ros, gateConfig, ros.Tools(), cfg, logger.With("component", "orchestrator"))
	orch.MaxTurns = *maxTurns
	orch.TurnTimeout = *turnTimeout

	if cfg.Notify.Homeserver != "" {
		token := os.Getenv("ORKET_MATRIX_TOKEN")
		if token == "" {
			logger.Warn("notify is configured but ORKET_MATRIX_TOKEN is not set; notifications disabled")
		} else {
			sender, err := notify.NewMatrixSender(nil, cfg.Notify.Homeserver, cfg.Notify.RoomID, token)
			if err != nil {
				logger.Error("failed to build matrix notifier", "error", err)
				os.Exit(2)
			}
			orch.Notify = sender
		}
	}
	registry := orchestrator.NewSessionRegistry()

	runner := &sessionRunner{orch: orch, registry: registry, logger: logger}

	if *dryRun {
		if *runTarget == "" {
			logger.Error("-dry-run requires -run <card_id>")
			os.Exit(2)
		}
		picked, diag, err := orch.PreviewNext(ctx, *runTarget)
		if err != nil {
			logger.Error("dry-run selection failed", "target", *runTarget, "error", err)
			os.Exit(1)
		}
		if picked == nil {
			logger.Info("dry-run: no dispatchable card", "target", *runTarget, "bottleneck", diag.Severity, "reason", diag.DominantReason, "hint", diag.ActionHint)
			return
		}
		logger.Info("dry-run: would dispatch", "card_id", picked.ID, "title", picked.Title, "role", picked.Role, "priority", picked.Priority, "bottleneck", diag.Severity)
		return
	}

	if *importPath != "" {
		importCardsAndExit(ctx, cards, *importPath, logger)
		return
	}

	if *verifyTarget != "" {
		runVerificationAndExit(ctx, cards, *workspace, *verifyImage, *verifyTarget, agentOutputRoot, logger)
		return
	}

	if *runTarget != "" {
		sessionID := clock.NewSessionID()
		runSessionAndExit(ctx, orch, registry, sessionID, *runTarget, logger)
		return
	}
	if *resumeSession != "" {
		sess, err := ldg.GetSession(ctx, *resumeSession)
		if err != nil {
			logger.Error("failed to resume session: not found", "session_id", *resumeSession, "error", err)
			os.Exit(2)
		}
		runSessionAndExit(ctx, orch, registry, sess.SessionID, sess.TargetCardID, logger)
		return
	}

	if *webhookAddr != "" {
		if *webhookSecret == "" {
			logger.Error("-webhook-addr requires -webhook-secret")
			os.Exit(2)
		}
		wh, err := webhook.NewHandler([]byte(*webhookSecret), cards, clock.NewCardID, logger.With("component", "webhook"))
		if err != nil {
			logger.Error("failed to build webhook handler", "error", err)
			os.Exit(1)
		}
		srv := &webhookServer{handler: wh, logger: logger}
		go srv.start(ctx, *webhookAddr)
	}

	if *httpAddr != "" {
		apiSrv, err := api.NewServer(cards, ldg, runner, registry, filepath.Join(*workspace, "api-audit.log"), logger.With("component", "api"))
		if err != nil {
			logger.Error("failed to create api server", "error", err)
			os.Exit(1)
		}
		defer apiSrv.Close()
		go func() {
			logger.Info("starting http control surface", "addr", *httpAddr)
			if err := apiSrv.Start(ctx, *httpAddr); err != nil {
				logger.Error("api server error", "error", err)
			}
		}()
	}

	if *httpAddr == "" && *webhookAddr == "" {
		logger.Info("no -run/-resume target and no server addresses given; nothing to do, exiting")
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	shutdownStart := time.Now()
	logger.Info("received signal, shutting down", "signal", sig)

	registry.Teardown()
	interrupted, err := ldg.InterruptActiveSessions(context.Background())
	if err != nil {
		logger.Error("failed to interrupt active sessions", "error", err)
	} else if interrupted > 0 {
		logger.Info("interrupted active sessions", "count", interrupted)
	}

	cancel()
	logger.Info("orket stopped", "shutdown_duration", time.Since(shutdownStart).String())
}

// runSessionAndExit runs one session to completion synchronously and exits
// the process with a code reflecting the outcome: 0 on completion, 1 on
// failure or an internal error.
func runSessionAndExit(ctx context.Context, orch *orchestrator.Orchestrator, registry *orchestrator.SessionRegistry, sessionID, targetCardID string, logger *slog.Logger) {
	sessCtx, cancelSession := registry.Start(ctx, sessionID)
	defer cancelSession()

	outcome, err := orch.RunSession(sessCtx, sessionID, targetCardID)
	if err != nil {
		logger.Error("session failed", "session_id", sessionID, "target_card_id", targetCardID, "error", err)
		os.Exit(1)
	}
	logger.Info("session finished", "session_id", sessionID, "target_card_id", targetCardID, "outcome", outcome)
	if outcome == ledger.OutcomeFailed {
		os.Exit(1)
	}
}

// importRecord is one row of the -import JSON file. Kind and Priority
// accept legacy values (rock/epic/issue, "High"/"Medium"/"Low") and are
// migrated to the canonical forms on the way in.
type importRecord struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	ParentID  string   `json:"parent_id"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	Role      string   `json:"role"`
	Priority  any      `json:"priority"`
	DependsOn []string `json:"depends_on"`
}

func importCardsAndExit(ctx context.Context, cards *card.Store, path string, logger *slog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("import: read file", "path", path, "error", err)
		os.Exit(2)
	}
	var records []importRecord
	if err := json.Unmarshal(data, &records); err != nil {
		logger.Error("import: parse file", "path", path, "error", err)
		os.Exit(2)
	}

	for _, rec := range records {
		priority := card.PriorityMedium
		if rec.Priority != nil {
			priority, err = card.MigratePriority(rec.Priority)
			if err != nil {
				logger.Error("import: bad priority", "card", rec.Title, "error", err)
				os.Exit(2)
			}
		}
		kind := card.MigrateKind(rec.Kind)
		status := card.Status(rec.Status)
		if rec.Status == "" {
			status = card.StatusNew
		}

		id, err := cards.CreateCard(ctx, card.Card{
			ID:        rec.ID,
			Kind:      kind,
			ParentID:  rec.ParentID,
			Title:     rec.Title,
			Status:    status,
			Role:      rec.Role,
			Priority:  priority,
			DependsOn: rec.DependsOn,
		}, string(kind), clock.NewCardID)
		if err != nil {
			logger.Error("import: create card", "card", rec.Title, "error", err)
			os.Exit(1)
		}
		logger.Info("imported card", "card_id", id, "kind", kind, "priority", priority)
	}
	logger.Info("import finished", "count", len(records))
}

// runVerificationAndExit runs the declarative verification profile for a
// CODE_REVIEW card inside the verifier sandbox and proposes the resulting
// verify_pass/verify_fail transition. Verification failures are a domain
// outcome recorded on the card, never a process error — the non-zero exit
// here only reports the result to the operator's shell.
func runVerificationAndExit(ctx context.Context, cards *card.Store, workspace, image, cardID, agentOutputRoot string, logger *slog.Logger) {
	c, err := cards.GetCard(ctx, cardID)
	if err != nil {
		logger.Error("verify: card not found", "card_id", cardID, "error", err)
		os.Exit(2)
	}
	if c.Status != card.StatusCodeReview {
		logger.Error("verify: card is not in CODE_REVIEW", "card_id", cardID, "status", c.Status)
		os.Exit(2)
	}

	v, err := verifier.New(filepath.Join(workspace, "verifier"))
	if err != nil {
		logger.Error("verify: init failed", "error", err)
		os.Exit(1)
	}
	profile := verifier.Profile{
		Image: image,
		Commands: []verifier.Command{
			{Name: "typecheck", Argv: []string{"go", "vet", "./..."}},
			{Name: "test", Argv: []string{"go", "test", "./..."}},
		},
		Timeout: 10 * time.Minute,
	}
	result, err := v.Run(ctx, profile, agentOutputRoot)
	if err != nil {
		logger.Error("verify: run failed", "card_id", cardID, "error", err)
		os.Exit(1)
	}

	action := statemachine.ActionVerifyPass
	details := "verification passed"
	if !result.Passed {
		action = statemachine.ActionVerifyFail
		for _, f := range result.Failures {
			logger.Warn("verification failure", "card_id", cardID, "command", f.Command, "exit_code", f.ExitCode, "tail", f.TailBytes)
		}
		details = fmt.Sprintf("verification failed: %d command(s)", len(result.Failures))
	}

	decision, err := statemachine.Evaluate(statemachine.Request{From: c.Status, Action: action, ActingRoles: []string{"verifier"}})
	if err != nil {
		logger.Error("verify: transition rejected", "card_id", cardID, "error", err)
		os.Exit(1)
	}
	if _, err := cards.ProposeTransition(ctx, cardID, c.Status, decision.To, "verifier", "", details); err != nil {
		logger.Error("verify: transition failed", "card_id", cardID, "error", err)
		os.Exit(1)
	}

	logger.Info("verification finished", "card_id", cardID, "passed", result.Passed, "to_status", decision.To)
	if !result.Passed {
		os.Exit(1)
	}
}

// sessionRunner adapts an Orchestrator into api.SessionRunner: every call
// starts a session on its own goroutine and returns immediately, since the
// HTTP surface must never block a request on a full traction-loop run.
type sessionRunner struct {
	orch     *orchestrator.Orchestrator
	registry *orchestrator.SessionRegistry
	logger   *slog.Logger
}

func (r *sessionRunner) StartSession(targetCardID string) (string, error) {
	sessionID := clock.NewSessionID()
	ctx, cancel := r.registry.Start(context.Background(), sessionID)

	go func() {
		defer cancel()
		outcome, err := r.orch.RunSession(ctx, sessionID, targetCardID)
		if err != nil {
			r.logger.Error("background session failed", "session_id", sessionID, "error", err)
			return
		}
		r.logger.Info("background session finished", "session_id", sessionID, "outcome", outcome)
	}()

	return sessionID, nil
}

// webhookServer is a minimal http.Server wrapper so the webhook intake
// shares the main process's shutdown signal without pulling in a second
// copy of api.Server's machinery — it is a single unauthenticated (beyond
// HMAC) POST endpoint, not a routed surface.
type webhookServer struct {
	handler http.Handler
	logger  *slog.Logger
}

func (s *webhookServer) start(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("POST /webhook", s.handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("webhook server error", "error", err)
	}
}
