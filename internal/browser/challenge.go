package browser

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Markers of the Cloudflare "checking your browser" interstitial.
const challengePathMarker = "/cdn-cgi/challenge-platform"

var challengeTextMarkers = []string{
	"verifying you are human",
	"checking your browser",
}

// OnChallengePage reports whether the driver currently shows the
// interstitial.
func OnChallengePage(ctx context.Context, d PageDriver) bool {
	if strings.Contains(d.URL(), challengePathMarker) {
		return true
	}
	body, err := d.BodyText(ctx)
	if err != nil {
		return false
	}
	lowered := strings.ToLower(body)
	for _, marker := range challengeTextMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// WaitChallengeClear polls until the interstitial disappears or the
// timeout elapses. Expiry is not an error: if the challenge persists, the
// caller's next explicit check decides the outcome.
func WaitChallengeClear(ctx context.Context, d PageDriver, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		if !OnChallengePage(ctx, d) {
			return
		}
		if time.Now().After(deadline) {
			zap.L().Debug("browser: challenge wait timed out, proceeding")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}
