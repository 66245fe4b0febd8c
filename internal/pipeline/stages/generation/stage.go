// Package generation implements the merged M3U8+XMLTV generation pipeline
// stage. Both artifacts are produced from the same numbered-channel input in
// a single pass so they always reflect an identical channel set.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/jmylchreest/tvarr/internal/models"
	"github.com/jmylchreest/tvarr/internal/pipeline/core"
	"github.com/jmylchreest/tvarr/internal/pipeline/shared"
	"github.com/jmylchreest/tvarr/pkg/m3u"
	"github.com/jmylchreest/tvarr/pkg/xmltv"
)

const (
	// StageID is the unique identifier for this stage.
	StageID = "generation"
	// StageName is the human-readable name for this stage.
	StageName = "Generate M3U8 & XMLTV"
	// MetadataKeyM3UTempPath is the metadata key for the M3U temp file path.
	MetadataKeyM3UTempPath = "m3u_temp_path"
	// MetadataKeyXMLTVTempPath is the metadata key for the XMLTV temp file path.
	MetadataKeyXMLTVTempPath = "xmltv_temp_path"
	// xmltvBatchSize controls how often batch-progress debug logs are emitted.
	xmltvBatchSize = 1000
)

// Stage generates an M3U8 playlist and an XMLTV guide from the pipeline's
// numbered channels and programs.
type Stage struct {
	shared.BaseStage
	logger *slog.Logger
}

// New creates a new generation stage.
func New() *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage(StageID, StageName),
	}
}

// NewConstructor returns a stage constructor for use with the factory.
func NewConstructor() core.StageConstructor {
	return func(deps *core.Dependencies) core.Stage {
		s := New()
		if deps != nil && deps.Logger != nil {
			s.logger = deps.Logger.With("stage", StageID)
		}
		return s
	}
}

// Execute generates both the M3U8 playlist and the XMLTV guide.
func (s *Stage) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	result := shared.NewResult()

	if len(state.Channels) == 0 {
		s.log(ctx, slog.LevelInfo, "no channels to write, skipping generation")
		result.Message = "No channels to write"
		return result, nil
	}

	s.log(ctx, slog.LevelInfo, "starting generation",
		slog.Int("input_channels", len(state.Channels)),
		slog.Int("input_programs", len(state.Programs)))

	m3uArtifact, channelCount, err := s.generateM3U(ctx, state)
	if err != nil {
		return result, err
	}
	result.Artifacts = append(result.Artifacts, m3uArtifact)

	xmltvArtifact, programCount, err := s.generateXMLTV(ctx, state)
	if err != nil {
		return result, err
	}
	result.Artifacts = append(result.Artifacts, xmltvArtifact)

	result.RecordsProcessed = channelCount + programCount
	result.Message = fmt.Sprintf("Generated M3U8 with %d channels and XMLTV with %d programs", channelCount, programCount)

	return result, nil
}

func (s *Stage) generateM3U(ctx context.Context, state *core.State) (core.Artifact, int, error) {
	outputPath := filepath.Join(state.TempDir, fmt.Sprintf("%s.m3u", state.ProxyID))
	file, err := os.Create(outputPath)
	if err != nil {
		s.log(ctx, slog.LevelError, "failed to create M3U file",
			slog.String("output_path", outputPath),
			slog.String("error", err.Error()))
		return core.Artifact{}, 0, fmt.Errorf("creating M3U file: %w", err)
	}
	defer file.Close()

	writer := m3u.NewWriter(file)
	if err := writer.WriteHeader(); err != nil {
		s.log(ctx, slog.LevelError, "failed to write M3U header",
			slog.String("output_path", outputPath),
			slog.String("error", err.Error()))
		return core.Artifact{}, 0, fmt.Errorf("writing M3U header: %w", err)
	}

	channelCount := 0
	channelNum := state.Proxy.StartingChannelNumber
	var skippedCount int

	for _, ch := range state.Channels {
		select {
		case <-ctx.Done():
			return core.Artifact{}, 0, ctx.Err()
		default:
		}

		if ch.StreamURL == "" {
			state.AddError(fmt.Errorf("channel %q skipped: empty stream URL", ch.ChannelName))
			skippedCount++
			continue
		}

		entry := shared.ChannelToM3UEntry(ch, channelNum)
		if err := writer.WriteEntry(entry); err != nil {
			state.AddError(fmt.Errorf("writing channel %s: %w", ch.ChannelName, err))
			continue
		}

		channelCount++
		channelNum++
	}

	state.ChannelCount = channelCount
	state.SetMetadata(MetadataKeyM3UTempPath, outputPath)

	fileInfo, _ := file.Stat()
	var fileSize int64
	if fileInfo != nil {
		fileSize = fileInfo.Size()
	}

	s.log(ctx, slog.LevelInfo, "M3U8 generation complete",
		slog.Int("channel_count", channelCount),
		slog.Int("skipped_count", skippedCount),
		slog.Int64("file_size_bytes", fileSize),
		slog.String("output_path", outputPath))

	artifact := core.NewArtifact(core.ArtifactTypeM3U, core.ProcessingStageGenerated, StageID).
		WithFilePath(outputPath).
		WithRecordCount(channelCount).
		WithFileSize(fileSize)

	return artifact, channelCount, nil
}

func (s *Stage) generateXMLTV(ctx context.Context, state *core.State) (core.Artifact, int, error) {
	outputPath := filepath.Join(state.TempDir, fmt.Sprintf("%s.xml", state.ProxyID))
	file, err := os.Create(outputPath)
	if err != nil {
		s.log(ctx, slog.LevelError, "failed to create XMLTV file",
			slog.String("output_path", outputPath),
			slog.String("error", err.Error()))
		return core.Artifact{}, 0, fmt.Errorf("creating XMLTV file: %w", err)
	}
	defer file.Close()

	writer := xmltv.NewWriter(file)
	if err := writer.WriteHeader(); err != nil {
		s.log(ctx, slog.LevelError, "failed to write XMLTV header",
			slog.String("output_path", outputPath),
			slog.String("error", err.Error()))
		return core.Artifact{}, 0, fmt.Errorf("writing XMLTV header: %w", err)
	}

	channelsWritten := make(map[string]bool)
	for _, ch := range state.Channels {
		select {
		case <-ctx.Done():
			return core.Artifact{}, 0, ctx.Err()
		default:
		}

		if ch.TvgID == "" || channelsWritten[ch.TvgID] {
			continue
		}

		xmlCh := shared.ChannelToXMLTVChannel(ch)
		if err := writer.WriteChannel(xmlCh); err != nil {
			state.AddError(fmt.Errorf("writing channel %s: %w", ch.TvgID, err))
			continue
		}

		channelsWritten[ch.TvgID] = true
	}

	sortedPrograms := make([]*models.EpgProgram, len(state.Programs))
	copy(sortedPrograms, state.Programs)
	sort.Slice(sortedPrograms, func(i, j int) bool {
		if sortedPrograms[i].ChannelID != sortedPrograms[j].ChannelID {
			return sortedPrograms[i].ChannelID < sortedPrograms[j].ChannelID
		}
		return sortedPrograms[i].Start.Before(sortedPrograms[j].Start)
	})

	totalPrograms := len(sortedPrograms)
	programCount := 0
	for i, prog := range sortedPrograms {
		select {
		case <-ctx.Done():
			return core.Artifact{}, 0, ctx.Err()
		default:
		}

		if prog.Title == "" {
			state.AddError(fmt.Errorf("program skipped: empty title for channel %q", prog.ChannelID))
			continue
		}

		if !channelsWritten[prog.ChannelID] {
			continue
		}

		xmlProg := shared.ProgramToXMLTVProgramme(prog)
		if err := writer.WriteProgramme(xmlProg); err != nil {
			state.AddError(fmt.Errorf("writing program %s: %w", prog.Title, err))
			continue
		}

		programCount++

		if (i+1)%xmltvBatchSize == 0 {
			batchNum := (i + 1) / xmltvBatchSize
			totalBatches := (totalPrograms + xmltvBatchSize - 1) / xmltvBatchSize
			s.log(ctx, slog.LevelDebug, "XMLTV generation batch progress",
				slog.Int("batch_num", batchNum),
				slog.Int("total_batches", totalBatches),
				slog.Int("items_processed", i+1),
				slog.Int("total_items", totalPrograms))
		}
	}

	if err := writer.WriteFooter(); err != nil {
		s.log(ctx, slog.LevelError, "failed to write XMLTV footer",
			slog.String("output_path", outputPath),
			slog.String("error", err.Error()))
		return core.Artifact{}, 0, fmt.Errorf("writing XMLTV footer: %w", err)
	}

	state.ProgramCount = programCount
	state.SetMetadata(MetadataKeyXMLTVTempPath, outputPath)

	fileInfo, _ := file.Stat()
	var fileSize int64
	if fileInfo != nil {
		fileSize = fileInfo.Size()
	}

	s.log(ctx, slog.LevelInfo, "XMLTV generation complete",
		slog.Int("channel_count", len(channelsWritten)),
		slog.Int("program_count", programCount),
		slog.Int64("file_size_bytes", fileSize),
		slog.String("output_path", outputPath))

	artifact := core.NewArtifact(core.ArtifactTypeXMLTV, core.ProcessingStageGenerated, StageID).
		WithFilePath(outputPath).
		WithRecordCount(programCount).
		WithFileSize(fileSize).
		WithMetadata("channel_count", len(channelsWritten))

	return artifact, programCount, nil
}

// log logs a message if the logger is set.
func (s *Stage) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.Log(ctx, level, msg, attrs...)
	}
}

// Ensure Stage implements core.Stage.
var _ core.Stage = (*Stage)(nil)
