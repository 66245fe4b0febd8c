// Package pipeline provides a composable pipeline architecture for proxy generation.
// Each stage implements the Stage interface and operates on shared State.
//
// The pipeline is organized into several sub-packages:
//   - core: Orchestrator, interfaces, and base types
//   - shared: Utilities shared between stages
//   - stages/*: Individual stage implementations
package pipeline

import (
	"log/slog"

	"github.com/jmylchreest/tvarr/internal/pipeline/core"
	"github.com/jmylchreest/tvarr/internal/pipeline/stages/datamapping"
	"github.com/jmylchreest/tvarr/internal/pipeline/stages/filtering"
	"github.com/jmylchreest/tvarr/internal/pipeline/stages/generation"
	"github.com/jmylchreest/tvarr/internal/pipeline/stages/logocaching"
	"github.com/jmylchreest/tvarr/internal/pipeline/stages/numbering"
	"github.com/jmylchreest/tvarr/internal/pipeline/stages/publish"
	"github.com/jmylchreest/tvarr/internal/repository"
	"github.com/jmylchreest/tvarr/internal/storage"
)

// Re-export core types for convenience.
type (
	// Stage is a single step in the pipeline.
	Stage = core.Stage

	// State holds shared data between stages.
	State = core.State

	// Result is the outcome of pipeline execution.
	Result = core.Result

	// StageResult is the outcome of a single stage.
	StageResult = core.StageResult

	// Orchestrator executes stages in sequence.
	Orchestrator = core.Orchestrator

	// OrchestratorFactory creates orchestrators.
	OrchestratorFactory = core.OrchestratorFactory

	// Factory creates orchestrators.
	Factory = core.Factory

	// Dependencies bundles stage dependencies.
	Dependencies = core.Dependencies

	// Config holds pipeline configuration.
	Config = core.Config

	// Builder provides fluent factory construction.
	Builder = core.Builder

	// Artifact represents stage output.
	Artifact = core.Artifact

	// ArtifactType identifies artifact content.
	ArtifactType = core.ArtifactType

	// ProcessingStage indicates processing state.
	ProcessingStage = core.ProcessingStage

	// ProgressReporter allows progress tracking.
	ProgressReporter = core.ProgressReporter

	// StageConstructor creates stages from dependencies.
	StageConstructor = core.StageConstructor
)

// Re-export artifact types.
const (
	ArtifactTypeChannels = core.ArtifactTypeChannels
	ArtifactTypePrograms = core.ArtifactTypePrograms
	ArtifactTypeM3U      = core.ArtifactTypeM3U
	ArtifactTypeXMLTV    = core.ArtifactTypeXMLTV
)

// Re-export processing stages.
const (
	ProcessingStageRaw       = core.ProcessingStageRaw
	ProcessingStageFiltered  = core.ProcessingStageFiltered
	ProcessingStageNumbered  = core.ProcessingStageNumbered
	ProcessingStageGenerated = core.ProcessingStageGenerated
	ProcessingStagePublished = core.ProcessingStagePublished
)

// Re-export errors.
var (
	ErrNoSources              = core.ErrNoSources
	ErrNoChannels             = core.ErrNoChannels
	ErrPipelineAlreadyRunning = core.ErrPipelineAlreadyRunning
	ErrStageNotFound          = core.ErrStageNotFound
	ErrInvalidConfiguration   = core.ErrInvalidConfiguration
)

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return core.NewBuilder()
}

// NewState creates a new pipeline state.
var NewState = core.NewState

// NewFactory creates a new pipeline factory with the given dependencies.
func NewFactory(deps *Dependencies) *Factory {
	return core.NewFactory(deps)
}

// NewDefaultFactory creates a factory with the standard six-stage
// configuration: data mapping (which also loads channels/programs),
// filtering, logo caching, numbering, generation, and publish.
//
// stateChecker is consulted by the orchestrator's pre-flight guard to wait
// out any active ingestion before a run starts; if nil the guard is
// skipped. proxyStamper records LastGeneratedAt after a successful publish;
// if nil the stamp step is skipped. If logoCacher is nil, logo caching is
// skipped. baseURL is used to construct fully qualified URLs for cached
// logos (e.g., "http://localhost:8080").
func NewDefaultFactory(
	channelRepo repository.ChannelRepository,
	epgProgramRepo repository.EpgProgramRepository,
	filterRepo repository.FilterRepository,
	dataMappingRuleRepo repository.DataMappingRuleRepository,
	sandbox *storage.Sandbox,
	logger *slog.Logger,
	logoCacher logocaching.LogoCacher,
	stateChecker core.StateChecker,
	proxyStamper core.ProxyStamper,
	baseURL string,
) *Factory {
	deps := &Dependencies{
		ChannelRepo:         channelRepo,
		EpgProgramRepo:      epgProgramRepo,
		FilterRepo:          filterRepo,
		DataMappingRuleRepo: dataMappingRuleRepo,
		Sandbox:             sandbox,
		Logger:              logger,
		StateChecker:        stateChecker,
		ProxyStamper:        proxyStamper,
		BaseURL:             baseURL,
	}

	factory := NewFactory(deps)

	// Register the six canonical stages in execution order. The ingestion
	// guard that used to run first as its own stage is now a pre-flight
	// check the orchestrator runs before stage 1 (see core.Orchestrator).
	factory.RegisterStage(datamapping.NewConstructor())
	factory.RegisterStage(filtering.NewConstructor())

	// Logo caching (optional - only if cacher provided)
	if logoCacher != nil {
		factory.RegisterStage(logocaching.NewConstructor(logoCacher))
	}

	factory.RegisterStage(numbering.NewConstructor())
	factory.RegisterStage(generation.NewConstructor())
	factory.RegisterStage(publish.NewConstructor())

	return factory
}

// Stage IDs for reference.
const (
	StageIDDataMapping = datamapping.StageID
	StageIDFiltering   = filtering.StageID
	StageIDLogoCaching = logocaching.StageID
	StageIDNumbering   = numbering.StageID
	StageIDGeneration  = generation.StageID
	StageIDPublish     = publish.StageID
)
