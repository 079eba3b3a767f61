package agentchannel

import (
	"context"
	"fmt"
	"time"
)

// WaitReady polls Client.Connected until the runner's agent connects, the
// timeout elapses, or ctx is cancelled. Mirrors wait_for_agent's polling
// loop exactly (fixed poll interval, deadline measured from call time).
func WaitReady(ctx context.Context, client Client, runnerID string, timeout, pollInterval time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if client.Connected(runnerID) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agentchannel: timed out waiting for runner %q to connect", runnerID)
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
