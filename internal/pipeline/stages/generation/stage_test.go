package generation

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jmylchreest/tvarr/internal/models"
	"github.com/jmylchreest/tvarr/internal/pipeline/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *core.State {
	t.Helper()
	tempDir := t.TempDir()
	proxy := &models.StreamProxy{
		BaseModel:             models.BaseModel{ID: models.NewULID()},
		Name:                  "Test Proxy",
		StartingChannelNumber: 1,
	}
	state := core.NewState(proxy)
	state.TempDir = tempDir
	return state
}

func TestStage_Execute_ProducesValidM3UAndXMLTV(t *testing.T) {
	state := newTestState(t)
	state.Channels = []*models.Channel{
		{
			TvgID:       "channel1",
			TvgName:     "Channel One",
			TvgLogo:     "http://example.com/logo1.png",
			GroupTitle:  "News",
			ChannelName: "Channel One HD",
			StreamURL:   "http://example.com/stream1",
		},
		{
			TvgID:       "channel2",
			TvgName:     "Channel Two",
			ChannelName: "Channel Two HD",
			StreamURL:   "http://example.com/stream2",
		},
	}

	now := time.Now()
	state.Programs = []*models.EpgProgram{
		{ChannelID: "channel1", Title: "Morning Show", Start: now, Stop: now.Add(time.Hour)},
		{ChannelID: "channel2", Title: "Sports Hour", Start: now, Stop: now.Add(time.Hour)},
	}

	stage := New()
	result, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 4, result.RecordsProcessed)
	assert.Contains(t, result.Message, "2 channels")
	assert.Contains(t, result.Message, "2 programs")
	require.Len(t, result.Artifacts, 2)

	m3uPath, ok := state.GetMetadata(MetadataKeyM3UTempPath)
	require.True(t, ok)
	m3uContent, err := os.ReadFile(m3uPath.(string))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(m3uContent), "#EXTM3U"))
	assert.Contains(t, string(m3uContent), `tvg-id="channel1"`)
	assert.Contains(t, string(m3uContent), `tvg-chno="1"`)

	xmltvPath, ok := state.GetMetadata(MetadataKeyXMLTVTempPath)
	require.True(t, ok)
	xmltvContent, err := os.ReadFile(xmltvPath.(string))
	require.NoError(t, err)
	assert.Contains(t, string(xmltvContent), `<channel id="channel1">`)
	assert.Contains(t, string(xmltvContent), `<title lang="en">Morning Show</title>`)

	var m3uArtifact, xmltvArtifact *core.Artifact
	for i, a := range result.Artifacts {
		switch a.Type {
		case core.ArtifactTypeM3U:
			m3uArtifact = &result.Artifacts[i]
		case core.ArtifactTypeXMLTV:
			xmltvArtifact = &result.Artifacts[i]
		}
	}
	require.NotNil(t, m3uArtifact)
	require.NotNil(t, xmltvArtifact)
	assert.Equal(t, 2, m3uArtifact.RecordCount)
	assert.Equal(t, 2, xmltvArtifact.RecordCount)
}

func TestStage_Execute_NoChannels(t *testing.T) {
	state := newTestState(t)
	state.Channels = []*models.Channel{}

	stage := New()
	result, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 0, result.RecordsProcessed)
	assert.Equal(t, "No channels to write", result.Message)
	assert.Empty(t, result.Artifacts)
}

func TestStage_Execute_SkipsEmptyStreamURL(t *testing.T) {
	state := newTestState(t)
	state.Channels = []*models.Channel{
		{TvgID: "valid", ChannelName: "Valid Channel", StreamURL: "http://example.com/stream"},
		{TvgID: "empty_url", ChannelName: "Empty URL Channel", StreamURL: ""},
	}

	stage := New()
	result, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)

	m3uPath, _ := state.GetMetadata(MetadataKeyM3UTempPath)
	content, err := os.ReadFile(m3uPath.(string))
	require.NoError(t, err)
	assert.Contains(t, string(content), `tvg-id="valid"`)
	assert.NotContains(t, string(content), `tvg-id="empty_url"`)
	assert.NotEmpty(t, result.Artifacts)
}

func TestStage_Execute_SkipsProgramsWithMissingTitle(t *testing.T) {
	state := newTestState(t)
	state.Channels = []*models.Channel{
		{TvgID: "channel1", ChannelName: "Channel One", StreamURL: "http://example.com/stream"},
	}
	now := time.Now()
	state.Programs = []*models.EpgProgram{
		{ChannelID: "channel1", Title: "Valid Show", Start: now, Stop: now.Add(time.Hour)},
		{ChannelID: "channel1", Title: "", Start: now.Add(time.Hour), Stop: now.Add(2 * time.Hour)},
	}

	stage := New()
	result, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RecordsProcessed) // 1 channel + 1 valid program
}

func TestStage_Interface(t *testing.T) {
	stage := New()
	assert.Equal(t, StageID, stage.ID())
	assert.Equal(t, StageName, stage.Name())
}

func TestStage_ContextCancellation(t *testing.T) {
	state := newTestState(t)
	for range 100 {
		state.Channels = append(state.Channels, &models.Channel{
			TvgID:       "test",
			ChannelName: "Test",
			StreamURL:   "http://example.com/stream",
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stage := New()
	_, err := stage.Execute(ctx, state)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewConstructor(t *testing.T) {
	constructor := NewConstructor()
	stage := constructor(nil)
	assert.NotNil(t, stage)
	assert.Equal(t, StageID, stage.ID())
}
