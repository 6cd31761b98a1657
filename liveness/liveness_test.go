package liveness_test

import (
	"context"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/llob/dicom-loadbalancer/dimse/scp"
	"github.com/llob/dicom-loadbalancer/liveness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_StartsUnknown(t *testing.T) {
	checker := liveness.New("w1", liveness.StrategyFunc(func(ctx context.Context) liveness.Status {
		return liveness.Live
	}), time.Hour, log.Default())

	assert.Equal(t, liveness.Unknown, checker.Status())
}

func TestChecker_RunUpdatesStatus(t *testing.T) {
	checker := liveness.New("w1", liveness.StrategyFunc(func(ctx context.Context) liveness.Status {
		return liveness.Live
	}), 5*time.Millisecond, log.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	go checker.Run(ctx)

	require.Eventually(t, func() bool {
		return checker.Status() == liveness.Live
	}, 200*time.Millisecond, 5*time.Millisecond)
}

func TestChecker_StopExitsLoop(t *testing.T) {
	checker := liveness.New("w1", liveness.StrategyFunc(func(ctx context.Context) liveness.Status {
		return liveness.Live
	}), time.Hour, log.Default())

	done := make(chan struct{})
	go func() {
		checker.Run(context.Background())
		close(done)
	}()

	// Give Run a moment to enter its sleep before stopping it.
	time.Sleep(10 * time.Millisecond)
	checker.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}

// TestDicomEchoStrategy_HardFailOnUnreachablePeer covers scenario S6: an
// echo strategy pointed at a closed port transitions to HARD_FAIL.
func TestDicomEchoStrategy_HardFailOnUnreachablePeer(t *testing.T) {
	strategy := liveness.NewDicomEchoStrategy("LB_SCU", "NOBODY", "127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Equal(t, liveness.HardFail, strategy.Check(ctx))
}

// TestDicomEchoStrategy_LiveAgainstRunningServer covers scenario S6: an
// echo strategy pointed at a running SCP that accepts C-ECHO transitions
// to LIVE.
func TestDicomEchoStrategy_LiveAgainstRunningServer(t *testing.T) {
	server, err := scp.NewServer(scp.Config{
		AETitle:    "TEST_SCP",
		ListenAddr: "127.0.0.1:0",
		SupportedContexts: map[string][]string{
			"1.2.840.10008.1.1": {"1.2.840.10008.1.2"},
		},
		EchoHandler: scp.NewDefaultEchoHandler(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, server.Listen(ctx))
	defer server.Shutdown(context.Background())

	strategy := liveness.NewDicomEchoStrategy("LB_SCU", "TEST_SCP", server.Addr().String())

	checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.Equal(t, liveness.Live, strategy.Check(checkCtx))
}
