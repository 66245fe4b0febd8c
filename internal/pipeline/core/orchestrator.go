package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/jmylchreest/tvarr/internal/models"
	"github.com/jmylchreest/tvarr/internal/storage"
)

// activeExecutions tracks which proxies have pipelines running.
var (
	activeExecutions   = make(map[models.ULID]bool)
	activeExecutionsMu sync.Mutex
)

// cleanupSuspensionWindow is how far ahead of "now" the orchestrator keeps
// its execution-prefix sandbox cleanup suspended. Refreshed on a ticker for
// the life of the run so a long-running generation is never swept mid-flight.
const cleanupSuspensionWindow = 5 * time.Minute

// cleanupSuspensionRefresh is how often the suspension window above is
// renewed while the pipeline is running.
const cleanupSuspensionRefresh = 1 * time.Minute

// stageProgressWeight assigns each of the six canonical stages a share of
// overall pipeline progress. Must stay in sync with the StageID constants
// exported by internal/pipeline/stages/*.
var stageProgressWeight = map[string]float64{
	"datamapping": 0.30,
	"filtering":   0.15,
	"logocaching": 0.20,
	"numbering":   0.10,
	"generation":  0.20,
	"publish":     0.05,
}

// ProxyStamper records the outcome of a generation run against a proxy's
// persisted state. Implemented by repository.StreamProxyRepository; kept as
// a narrow interface here so core does not need to import the repository
// package's full surface.
type ProxyStamper interface {
	UpdateLastGeneration(ctx context.Context, id models.ULID, channelCount, programCount int) error
}

// Orchestrator executes a sequence of pipeline stages.
type Orchestrator struct {
	stages           []Stage
	state            *State
	logger           *slog.Logger
	outputDir        string
	progressReporter ProgressReporter
	sandbox          *storage.Sandbox
	stateChecker     StateChecker
	proxyStamper     ProxyStamper

	overallWeight float64
}

// NewOrchestrator creates a new Orchestrator with the given stages.
func NewOrchestrator(proxy *models.StreamProxy, stages []Stage, outputDir string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		stages:    stages,
		state:     NewState(proxy),
		logger:    logger,
		outputDir: outputDir,
	}
}

// SetProgressReporter sets an optional progress reporter.
func (o *Orchestrator) SetProgressReporter(reporter ProgressReporter) {
	o.progressReporter = reporter
}

// SetSources sets the stream sources for the pipeline.
func (o *Orchestrator) SetSources(sources []*models.StreamSource) {
	o.state.Sources = sources
}

// SetEpgSources sets the EPG sources for the pipeline.
func (o *Orchestrator) SetEpgSources(sources []*models.EpgSource) {
	o.state.EpgSources = sources
}

// SetSandbox attaches the sandbox this orchestrator's execution scratch
// space (and cleanup-suspension tracking) is scoped under. Optional: when
// unset the orchestrator falls back to os.MkdirTemp for its temp directory
// and skips cleanup suspension entirely.
func (o *Orchestrator) SetSandbox(sandbox *storage.Sandbox) {
	o.sandbox = sandbox
}

// SetStateChecker attaches the ingestion-state checker consulted as a
// pre-flight guard before the first stage runs, ensuring the pipeline never
// reads rows mid-rewrite by an active ingestion. Optional: when unset the
// guard is skipped.
func (o *Orchestrator) SetStateChecker(checker StateChecker) {
	o.stateChecker = checker
}

// SetProxyStamper attaches the repository used to stamp LastGeneratedAt
// after a successful publish. Optional: when unset the stamp step is
// skipped (generation still succeeds; only the persisted timestamp is not
// updated).
func (o *Orchestrator) SetProxyStamper(stamper ProxyStamper) {
	o.proxyStamper = stamper
}

// Execute runs all stages in sequence.
// Returns a Result with execution details and any errors.
func (o *Orchestrator) Execute(ctx context.Context) (*Result, error) {
	result := &Result{
		Success:      false,
		StageResults: make(map[string]*StageResult),
	}

	// Prevent duplicate executions for the same proxy
	if !o.acquireExecution() {
		return result, ErrPipelineAlreadyRunning
	}
	defer o.releaseExecution()

	if err := o.preflightIngestionGuard(ctx); err != nil {
		return result, err
	}

	tempDir, execSandbox, cleanupTemp, err := o.prepareScratchSpace()
	if err != nil {
		return result, fmt.Errorf("preparing scratch space: %w", err)
	}
	defer cleanupTemp()

	if execSandbox != nil {
		stopSuspension := o.suspendCleanupForDuration(execSandbox)
		defer stopSuspension()
	}

	o.state.TempDir = tempDir
	o.state.OutputDir = o.outputDir
	o.state.ProgressReporter = o.progressReporter

	o.logger.InfoContext(ctx, "starting pipeline execution",
		slog.String("proxy_id", o.state.ProxyID.String()),
		slog.String("proxy_name", o.state.Proxy.Name),
		slog.Int("stage_count", len(o.stages)),
	)

	startTime := time.Now()

	// Execute each stage. A cancellation is checked both before and after
	// every stage so the pipeline never starts a stage it can't finish and
	// never silently swallows a cancellation observed mid-stage.
	for i, stage := range o.stages {
		if cancelErr := checkCancelled(ctx); cancelErr != nil {
			result.Errors = append(result.Errors, cancelErr)
			result.Duration = time.Since(startTime)
			o.cleanupStages(ctx, o.stages[:i+1])
			return result, cancelErr
		}

		stageResult, err := o.executeStage(ctx, i, stage)
		result.StageResults[stage.ID()] = stageResult

		if err != nil {
			wrapped := classifyStageErr(ctx, err)
			result.Errors = append(result.Errors, NewStageError(stage.ID(), stage.Name(), wrapped))
			result.Duration = time.Since(startTime)
			o.cleanupStages(ctx, o.stages[:i+1])
			return result, wrapped
		}

		// Force GC between stages to manage memory
		o.cleanupBetweenStages()
	}

	// Populate result
	result.Success = true
	result.ChannelCount = o.state.ChannelCount
	result.ProgramCount = o.state.ProgramCount
	result.Duration = time.Since(startTime)
	result.Errors = o.state.Errors

	// Set output paths if files were generated
	m3uPath := filepath.Join(o.state.OutputDir, fmt.Sprintf("%s.m3u", o.state.ProxyID))
	if _, err := os.Stat(m3uPath); err == nil {
		result.M3UPath = m3uPath
	}
	xmltvPath := filepath.Join(o.state.OutputDir, fmt.Sprintf("%s.xml", o.state.ProxyID))
	if _, err := os.Stat(xmltvPath); err == nil {
		result.XMLTVPath = xmltvPath
	}

	o.logger.InfoContext(ctx, "pipeline execution completed",
		slog.String("proxy_id", o.state.ProxyID.String()),
		slog.Int("channel_count", result.ChannelCount),
		slog.Int("program_count", result.ProgramCount),
		slog.Duration("duration", result.Duration),
		slog.Bool("success", result.Success),
	)

	// Publish-then-stamp: the run already succeeded by this point (publish
	// is the last stage), so a stamping failure is logged, not propagated.
	o.stampLastGeneration(ctx, result)

	// Cleanup all stages
	o.cleanupStages(ctx, o.stages)

	return result, nil
}

// preflightIngestionGuard waits for any active ingestion on the proxy's
// sources to finish before the pipeline reads them. Replaces the teacher's
// standalone ingestion-guard stage, which did not produce an artifact and
// does not belong in the fixed six-stage list.
func (o *Orchestrator) preflightIngestionGuard(ctx context.Context) error {
	if o.stateChecker == nil {
		return nil
	}
	if !o.stateChecker.IsAnyIngesting() {
		return nil
	}

	o.logger.InfoContext(ctx, "waiting for active ingestions before generation")

	const pollInterval = 1 * time.Second
	const maxWait = 5 * time.Minute

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return fmt.Errorf("%w: ingestion still active after %s", ErrTimeout, maxWait)
		case <-ticker.C:
			if !o.stateChecker.IsAnyIngesting() {
				return nil
			}
		}
	}
}

// prepareScratchSpace returns a temp directory for intermediate files and,
// when a sandbox is attached, a sandbox scoped to this execution's own
// prefix. The returned cleanup func must always be deferred by the caller.
func (o *Orchestrator) prepareScratchSpace() (string, *storage.Sandbox, func(), error) {
	if o.sandbox == nil {
		tempDir, err := os.MkdirTemp("", fmt.Sprintf("tvarr-proxy-%s-*", o.state.ProxyID))
		if err != nil {
			return "", nil, func() {}, err
		}
		cleanup := func() {
			if err := os.RemoveAll(tempDir); err != nil {
				o.logger.Warn("failed to remove temp directory",
					slog.String("path", tempDir), slog.String("error", err.Error()))
			}
		}
		return tempDir, nil, cleanup, nil
	}

	prefix := fmt.Sprintf("exec-%s", o.state.ProxyID)
	execSandbox := o.sandbox.WithExecutionPrefix(prefix)
	if err := execSandbox.MkdirAll("."); err != nil {
		return "", nil, func() {}, err
	}
	tempDir, err := execSandbox.ResolvePath(".")
	if err != nil {
		return "", nil, func() {}, err
	}
	cleanup := func() {
		execSandbox.ResumeCleanup()
	}
	return tempDir, execSandbox, cleanup, nil
}

// suspendCleanupForDuration acquires a cleanup-suspension window over the
// execution sandbox and keeps renewing it on a ticker until the returned
// stop func is called, guaranteeing the window never lapses mid-run.
func (o *Orchestrator) suspendCleanupForDuration(sandbox *storage.Sandbox) func() {
	sandbox.SuspendCleanup(cleanupSuspensionWindow)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cleanupSuspensionRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sandbox.UpdateSuspension(cleanupSuspensionWindow)
			}
		}
	}()

	return func() { close(done) }
}

// checkCancelled returns a typed ErrCancelled when ctx has been cancelled,
// nil otherwise.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}

// classifyStageErr maps a stage failure to a typed cancelled/timeout error
// when the failure was actually caused by context cancellation/deadline,
// leaving other errors untouched.
func classifyStageErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ErrCancelled
	}
	return err
}

// stampLastGeneration records LastGeneratedAt/channel/program counts after a
// successful run. A failure here is logged, not propagated: the generation
// itself already succeeded.
func (o *Orchestrator) stampLastGeneration(ctx context.Context, result *Result) {
	if o.proxyStamper == nil {
		return
	}
	if err := o.proxyStamper.UpdateLastGeneration(ctx, o.state.ProxyID, result.ChannelCount, result.ProgramCount); err != nil {
		o.logger.Warn("failed to stamp last generation timestamp",
			slog.String("proxy_id", o.state.ProxyID.String()),
			slog.String("error", err.Error()))
	}
}

// executeStage runs a single stage and handles logging/progress.
func (o *Orchestrator) executeStage(ctx context.Context, index int, stage Stage) (*StageResult, error) {
	stageStart := time.Now()

	o.logger.InfoContext(ctx, "executing stage",
		slog.Int("stage_num", index+1),
		slog.Int("total_stages", len(o.stages)),
		slog.String("stage_id", stage.ID()),
		slog.String("stage_name", stage.Name()),
	)

	bucketStart, bucketEnd := o.progressBucket(stage.ID())

	if o.progressReporter != nil {
		o.progressReporter.ReportProgress(ctx, stage.ID(), bucketStart, "Starting")
	}

	stageResult, err := stage.Execute(ctx, o.state)
	if stageResult == nil {
		stageResult = &StageResult{}
	}
	stageResult.Duration = time.Since(stageStart)

	if err != nil {
		o.logger.ErrorContext(ctx, "stage failed",
			slog.String("stage_id", stage.ID()),
			slog.String("stage_name", stage.Name()),
			slog.String("error", err.Error()),
			slog.Duration("duration", stageResult.Duration),
		)
		return stageResult, err
	}

	// Register artifacts in state
	for _, artifact := range stageResult.Artifacts {
		o.state.AddArtifact(stage.ID(), artifact)
	}

	o.logger.InfoContext(ctx, "stage completed",
		slog.String("stage_id", stage.ID()),
		slog.String("stage_name", stage.Name()),
		slog.Duration("duration", stageResult.Duration),
		slog.Int("records_processed", stageResult.RecordsProcessed),
		slog.Int("artifacts_produced", len(stageResult.Artifacts)),
	)

	if o.progressReporter != nil {
		o.progressReporter.ReportProgress(ctx, stage.ID(), bucketEnd, "Complete")
	}

	return stageResult, nil
}

// progressBucket returns the [start, end) overall-progress fraction a
// stage's own 0..1 progress should be mapped into, based on
// stageProgressWeight. Stages missing from the weight table (e.g. a
// caller-registered custom stage) get an equal share of any remainder.
func (o *Orchestrator) progressBucket(stageID string) (float64, float64) {
	var cumulative float64
	for _, stage := range o.stages {
		weight, ok := stageProgressWeight[stage.ID()]
		if !ok {
			weight = 1.0 / float64(len(o.stages))
		}
		start := cumulative
		cumulative += weight
		if stage.ID() == stageID {
			return start, cumulative
		}
	}
	return 0, 1
}

// cleanupStages calls Cleanup on all given stages.
func (o *Orchestrator) cleanupStages(ctx context.Context, stages []Stage) {
	for _, stage := range stages {
		if err := stage.Cleanup(ctx); err != nil {
			o.logger.Warn("stage cleanup failed",
				slog.String("stage_id", stage.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// cleanupBetweenStages performs memory cleanup between pipeline stages.
func (o *Orchestrator) cleanupBetweenStages() {
	runtime.GC()
}

// acquireExecution tries to acquire the execution lock for this proxy.
func (o *Orchestrator) acquireExecution() bool {
	activeExecutionsMu.Lock()
	defer activeExecutionsMu.Unlock()

	if activeExecutions[o.state.ProxyID] {
		return false
	}
	activeExecutions[o.state.ProxyID] = true
	return true
}

// releaseExecution releases the execution lock for this proxy.
func (o *Orchestrator) releaseExecution() {
	activeExecutionsMu.Lock()
	defer activeExecutionsMu.Unlock()
	delete(activeExecutions, o.state.ProxyID)
}

// State returns the current pipeline state (for testing).
func (o *Orchestrator) State() *State {
	return o.state
}

// Stages returns the configured stages (for testing).
func (o *Orchestrator) Stages() []Stage {
	return o.stages
}
