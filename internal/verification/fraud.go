package verification

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Fraud scoring weights and limits.
const (
	FraudThreshold      = 70 // scores above this are fraudulent
	maxFraudScore       = 100
	scoreDuplicate      = 100
	scoreFarFuture      = 80
	scoreNearFuture     = 30
	scoreStale          = 75
	scoreLocation       = 75
	scoreShortCode      = 40
	farFutureAfter      = 24 * time.Hour
	staleAfter          = 30 * 24 * time.Hour
	maxLocationDriftKm  = 100.0
	minScannableCodeLen = 8
)

type fraudResult struct {
	score   int
	reasons []string
}

func (f fraudResult) fraudulent() bool { return f.score > FraudThreshold }

func (f *fraudResult) add(points int, reason string) {
	f.score += points
	f.reasons = append(f.reasons, reason)
}

// detectFraud scores signals that the proof is replayed, back- or
// forward-dated, or captured away from the delivery site.
func (e *Engine) detectFraud(ctx context.Context, txnID string, p DeliveryProof, hash string, now time.Time) (fraudResult, error) {
	var f fraudResult

	owner, seen, err := e.history.Lookup(ctx, hash)
	if err != nil {
		return f, err
	}
	if seen {
		if owner == txnID {
			f.add(scoreDuplicate, "Proof is a duplicate submission for this transaction")
		} else {
			f.add(scoreDuplicate, fmt.Sprintf("Proof reused from transaction %s", owner))
		}
	}

	if p.Timestamp.After(now) {
		ahead := p.Timestamp.Sub(now)
		hours := math.Round(ahead.Hours())
		if ahead > farFutureAfter {
			f.add(scoreFarFuture, fmt.Sprintf("Proof timestamp is %.0f hours in the future", hours))
		} else {
			f.add(scoreNearFuture, fmt.Sprintf("Proof timestamp is %.0f hours in the future (minor)", hours))
		}
	}

	if age := now.Sub(p.Timestamp); age > staleAfter {
		f.add(scoreStale, fmt.Sprintf("Proof is %.0f days old", math.Round(age.Hours()/24)))
	}

	if p.Data.Geolocation != nil {
		if want, ok := expectedLocation(p.Data.Metadata); ok {
			if d := DistanceKm(*p.Data.Geolocation, want); d > maxLocationDriftKm {
				f.add(scoreLocation, fmt.Sprintf("Delivery location %.0fkm from expected location", math.Round(d)))
			}
		}
	}

	if p.Kind == KindQRScan && p.Data.QRCode != "" && len(p.Data.QRCode) < minScannableCodeLen {
		f.add(scoreShortCode, "QR code appears too short to be valid")
	}

	if f.score > maxFraudScore {
		f.score = maxFraudScore
	}
	return f, nil
}
