// ABOUTME: Tests for stage rendering and the default pacer
// ABOUTME: Pacing is checked against cancellation, not wall-clock timing

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStage_String(t *testing.T) {
	assert.Equal(t, "idle", Stage{}.String())
	assert.Equal(t, "deciding", Stage{Kind: StageDeciding}.String())
	assert.Equal(t, "generating(alpha)", Stage{Kind: StageGenerating, AgentID: "alpha"}.String())
	assert.Equal(t, "generating", Stage{Kind: StageGenerating}.String())
	assert.Equal(t, "executing_plan(beta, 2/3)", Stage{Kind: StageExecutingPlan, AgentID: "beta", Current: 2, Total: 3}.String())
}

func TestStage_Busy(t *testing.T) {
	assert.False(t, Stage{}.Busy())
	assert.False(t, Stage{Kind: StageIdle}.Busy())
	assert.True(t, Stage{Kind: StagePlanning}.Busy())
}

func TestNewPacer_FirstAdmissionIsImmediate(t *testing.T) {
	p := NewPacer(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	assert.Error(t, p.Wait(cancelled), "second admission within the interval must wait")
}

func TestNewPacer_Disabled(t *testing.T) {
	p := NewPacer(0)
	assert.NoError(t, p.Wait(context.Background()))
	assert.NoError(t, p.Wait(context.Background()))
}
