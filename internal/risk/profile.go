package risk

import (
	"fmt"
	"time"

	"dgc/backbone/internal/model"
)

// Heuristic reason codes.
const (
	CodeTransferVelocityElevated = "TRANSFER_VELOCITY_ELEVATED"
	CodeTransferVelocityCritical = "TRANSFER_VELOCITY_CRITICAL"
	CodeWashLoopPattern          = "WASH_LOOP_PATTERN"
	CodeCancelPressureElevated   = "CANCELLATION_PRESSURE_ELEVATED"
	CodeCancelPressureCritical   = "CANCELLATION_PRESSURE_CRITICAL"

	CodeLockCancelPattern       = "LOCK_CANCEL_PATTERN"
	CodeMultipleLockAttempts    = "MULTIPLE_LOCK_ATTEMPTS"
	CodeBuyerTimeoutSignal      = "BUYER_TIMEOUT_SIGNAL"
	CodeActorRepeatCancellation = "ACTOR_REPEAT_CANCELLATION"
)

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func occurredWithin(occurredAt string, now time.Time, window time.Duration) bool {
	t, err := model.ParseISO(occurredAt)
	if err != nil {
		return false
	}
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// ComputeCertificateProfile is a deterministic pure function of the
// certificate's stored ledger events plus the 7-day count of listing
// cancellations touching it.
func ComputeCertificateProfile(certID string, events []model.LedgerEvent, cancelled7d int, now time.Time) model.RiskProfile {
	reasons := []model.RiskReason{}

	transfers := []model.LedgerEvent{}
	recentTransfers := 0
	for _, ev := range events {
		if ev.Type != model.EventTransfer {
			continue
		}
		transfers = append(transfers, ev)
		if occurredWithin(ev.OccurredAt, now, 24*time.Hour) {
			recentTransfers++
		}
	}

	switch {
	case recentTransfers >= 5:
		reasons = append(reasons, model.RiskReason{
			Code: CodeTransferVelocityCritical, ScoreImpact: 40,
			Message:  fmt.Sprintf("%d transfers in the last 24h", recentTransfers),
			Evidence: map[string]any{"transfers24h": recentTransfers},
		})
	case recentTransfers >= 3:
		reasons = append(reasons, model.RiskReason{
			Code: CodeTransferVelocityElevated, ScoreImpact: 25,
			Message:  fmt.Sprintf("%d transfers in the last 24h", recentTransfers),
			Evidence: map[string]any{"transfers24h": recentTransfers},
		})
	}

	if from, to, ok := findWashLoop(transfers); ok {
		reasons = append(reasons, model.RiskReason{
			Code: CodeWashLoopPattern, ScoreImpact: 30,
			Message:  fmt.Sprintf("ownership loop between %s and %s within 48h", from, to),
			Evidence: map[string]any{"partyA": from, "partyB": to},
		})
	}

	switch {
	case cancelled7d >= 4:
		reasons = append(reasons, model.RiskReason{
			Code: CodeCancelPressureCritical, ScoreImpact: 35,
			Message:  fmt.Sprintf("%d listing cancellations touching this certificate in 7d", cancelled7d),
			Evidence: map[string]any{"cancellations7d": cancelled7d},
		})
	case cancelled7d >= 2:
		reasons = append(reasons, model.RiskReason{
			Code: CodeCancelPressureElevated, ScoreImpact: 20,
			Message:  fmt.Sprintf("%d listing cancellations touching this certificate in 7d", cancelled7d),
			Evidence: map[string]any{"cancellations7d": cancelled7d},
		})
	}

	return finishProfile(certID, certID, reasons, now)
}

// findWashLoop looks for any two transfers within 48h of each other where
// the ownership edge reverses: first A->B then B->A.
func findWashLoop(transfers []model.LedgerEvent) (string, string, bool) {
	for i := 0; i < len(transfers); i++ {
		ti, err := model.ParseISO(transfers[i].OccurredAt)
		if err != nil {
			continue
		}
		for j := i + 1; j < len(transfers); j++ {
			tj, err := model.ParseISO(transfers[j].OccurredAt)
			if err != nil {
				continue
			}
			gap := tj.Sub(ti)
			if gap < 0 {
				gap = -gap
			}
			if gap > 48*time.Hour {
				continue
			}
			if transfers[i].From == transfers[j].To && transfers[i].To == transfers[j].From {
				return transfers[i].From, transfers[i].To, true
			}
		}
	}
	return "", "", false
}

// ComputeListingProfile is a deterministic pure function of the listing's
// audit trail plus the latest canceller's 7-day cancellation count.
func ComputeListingProfile(listingID, certID string, audits []model.ListingAuditEvent, actorCancelled7d int, now time.Time) model.RiskProfile {
	reasons := []model.RiskReason{}

	locked, cancelled := 0, 0
	var latestCancel *model.ListingAuditEvent
	for i := range audits {
		switch audits[i].Type {
		case model.AuditLocked:
			locked++
		case model.AuditCancelled:
			cancelled++
			latestCancel = &audits[i]
		}
	}

	if locked >= 1 && cancelled >= 1 {
		reasons = append(reasons, model.RiskReason{
			Code: CodeLockCancelPattern, ScoreImpact: 35,
			Message:  "escrow locked and later cancelled",
			Evidence: map[string]any{"locked": locked, "cancelled": cancelled},
		})
	}
	if locked >= 2 {
		reasons = append(reasons, model.RiskReason{
			Code: CodeMultipleLockAttempts, ScoreImpact: 15,
			Message:  fmt.Sprintf("%d lock attempts on one listing", locked),
			Evidence: map[string]any{"locked": locked},
		})
	}
	if latestCancel != nil {
		if reason, _ := latestCancel.Details["reason"].(string); reason == "buyer_timeout" {
			reasons = append(reasons, model.RiskReason{
				Code: CodeBuyerTimeoutSignal, ScoreImpact: 10,
				Message: "latest cancellation was a buyer timeout",
			})
		}
		if latestCancel.Actor != "" && actorCancelled7d >= 3 {
			reasons = append(reasons, model.RiskReason{
				Code: CodeActorRepeatCancellation, ScoreImpact: 30,
				Message:  fmt.Sprintf("actor %s cancelled %d listings in 7d", latestCancel.Actor, actorCancelled7d),
				Evidence: map[string]any{"actor": latestCancel.Actor, "cancellations7d": actorCancelled7d},
			})
		}
	}

	return finishProfile(listingID, certID, reasons, now)
}

func finishProfile(target, certID string, reasons []model.RiskReason, now time.Time) model.RiskProfile {
	score := 0
	for _, r := range reasons {
		score += r.ScoreImpact
	}
	score = clampScore(score)
	p := model.RiskProfile{
		Target:    target,
		Score:     score,
		Level:     model.RiskLevel(score),
		Reasons:   reasons,
		UpdatedAt: model.FormatISO(now),
	}
	if certID != target {
		p.CertID = certID
	}
	return p
}
