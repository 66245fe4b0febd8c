package core

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/tvarr/internal/models"
	"github.com/jmylchreest/tvarr/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStage struct {
	id         string
	name       string
	executed   bool
	err        error
	cleanupErr error
}

func (s *fakeStage) ID() string   { return s.id }
func (s *fakeStage) Name() string { return s.name }
func (s *fakeStage) Execute(ctx context.Context, state *State) (*StageResult, error) {
	s.executed = true
	if s.err != nil {
		return &StageResult{}, s.err
	}
	return &StageResult{RecordsProcessed: 1}, nil
}
func (s *fakeStage) Cleanup(ctx context.Context) error { return s.cleanupErr }

type fakeStateChecker struct {
	ingesting bool
}

func (f *fakeStateChecker) IsAnyIngesting() bool { return f.ingesting }

type fakeProxyStamper struct {
	called  bool
	stampID models.ULID
}

func (f *fakeProxyStamper) UpdateLastGeneration(ctx context.Context, id models.ULID, channelCount, programCount int) error {
	f.called = true
	f.stampID = id
	return nil
}

func newTestProxy() *models.StreamProxy {
	return &models.StreamProxy{
		BaseModel: models.BaseModel{ID: models.NewULID()},
		Name:      "Test Proxy",
	}
}

func TestOrchestrator_Execute_RunsStagesInOrder(t *testing.T) {
	proxy := newTestProxy()
	s1 := &fakeStage{id: "datamapping", name: "Data Mapping"}
	s2 := &fakeStage{id: "publish", name: "Publish"}

	orch := NewOrchestrator(proxy, []Stage{s1, s2}, t.TempDir(), nil)
	result, err := orch.Execute(context.Background())

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, s1.executed)
	assert.True(t, s2.executed)
}

func TestOrchestrator_Execute_StopsOnStageError(t *testing.T) {
	proxy := newTestProxy()
	boom := assert.AnError
	s1 := &fakeStage{id: "datamapping", name: "Data Mapping", err: boom}
	s2 := &fakeStage{id: "publish", name: "Publish"}

	orch := NewOrchestrator(proxy, []Stage{s1, s2}, t.TempDir(), nil)
	result, err := orch.Execute(context.Background())

	require.Error(t, err)
	assert.False(t, result.Success)
	assert.True(t, s1.executed)
	assert.False(t, s2.executed)
}

func TestOrchestrator_Execute_RejectsConcurrentRunsForSameProxy(t *testing.T) {
	proxy := newTestProxy()

	activeExecutionsMu.Lock()
	activeExecutions[proxy.ID] = true
	activeExecutionsMu.Unlock()
	defer func() {
		activeExecutionsMu.Lock()
		delete(activeExecutions, proxy.ID)
		activeExecutionsMu.Unlock()
	}()

	orch := NewOrchestrator(proxy, []Stage{&fakeStage{id: "datamapping", name: "Data Mapping"}}, t.TempDir(), nil)
	_, err := orch.Execute(context.Background())

	assert.ErrorIs(t, err, ErrPipelineAlreadyRunning)
}

func TestOrchestrator_Execute_CancelledContextBeforeStage(t *testing.T) {
	proxy := newTestProxy()
	s1 := &fakeStage{id: "datamapping", name: "Data Mapping"}

	orch := NewOrchestrator(proxy, []Stage{s1}, t.TempDir(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.Execute(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, s1.executed)
}

func TestOrchestrator_PreflightIngestionGuard_WaitsThenProceeds(t *testing.T) {
	proxy := newTestProxy()
	checker := &fakeStateChecker{ingesting: true}
	s1 := &fakeStage{id: "datamapping", name: "Data Mapping"}

	orch := NewOrchestrator(proxy, []Stage{s1}, t.TempDir(), nil)
	orch.SetStateChecker(checker)

	go func() {
		time.Sleep(20 * time.Millisecond)
		checker.ingesting = false
	}()

	result, err := orch.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, s1.executed)
}

func TestOrchestrator_StampLastGeneration_OnSuccess(t *testing.T) {
	proxy := newTestProxy()
	stamper := &fakeProxyStamper{}
	s1 := &fakeStage{id: "publish", name: "Publish"}

	orch := NewOrchestrator(proxy, []Stage{s1}, t.TempDir(), nil)
	orch.SetProxyStamper(stamper)

	_, err := orch.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, stamper.called)
	assert.Equal(t, proxy.ID, stamper.stampID)
}

func TestOrchestrator_UsesSandboxExecutionPrefix(t *testing.T) {
	proxy := newTestProxy()
	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)

	var observedTempDir string
	captureStage := &capturingStage{fakeStage: fakeStage{id: "datamapping", name: "Data Mapping"}}

	orch := NewOrchestrator(proxy, []Stage{captureStage}, t.TempDir(), nil)
	orch.SetSandbox(sandbox)

	_, err = orch.Execute(context.Background())
	require.NoError(t, err)

	observedTempDir = captureStage.tempDirSeen
	assert.Contains(t, observedTempDir, sandbox.BaseDir())
}

type capturingStage struct {
	fakeStage
	tempDirSeen string
}

func (s *capturingStage) Execute(ctx context.Context, state *State) (*StageResult, error) {
	s.tempDirSeen = state.TempDir
	return s.fakeStage.Execute(ctx, state)
}

func TestOrchestrator_ProgressBucket_CoversFullRange(t *testing.T) {
	proxy := newTestProxy()
	stages := []Stage{
		&fakeStage{id: "datamapping", name: "Data Mapping"},
		&fakeStage{id: "filtering", name: "Filtering"},
		&fakeStage{id: "logocaching", name: "Logo Caching"},
		&fakeStage{id: "numbering", name: "Numbering"},
		&fakeStage{id: "generation", name: "Generation"},
		&fakeStage{id: "publish", name: "Publish"},
	}
	orch := NewOrchestrator(proxy, stages, t.TempDir(), nil)

	start, end := orch.progressBucket("publish")
	assert.InDelta(t, 1.0, end, 0.0001)
	assert.Less(t, start, end)

	firstStart, _ := orch.progressBucket("datamapping")
	assert.Equal(t, 0.0, firstStart)
}
