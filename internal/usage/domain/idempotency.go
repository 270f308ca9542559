package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const noResourceSentinel = "-"

// StableIdempotencyKey derives a key from the identity of the source action
// only. Retries of the same action always collapse to one event.
func StableIdempotencyKey(tenantID string, agent Agent, resourceID, actionType string) string {
	return hashParts(tenantID, string(agent), resourceOrSentinel(resourceID), actionType)
}

// TimedIdempotencyKey additionally folds in a millisecond timestamp, so it only
// collapses calls issued within the same instant.
func TimedIdempotencyKey(tenantID string, agent Agent, resourceID, actionType string, at time.Time) string {
	return hashParts(
		tenantID,
		string(agent),
		resourceOrSentinel(resourceID),
		actionType,
		strconv.FormatInt(at.UTC().UnixMilli(), 10),
	)
}

// NewOneOffIdempotencyKey returns a random key for actions with no natural identity.
func NewOneOffIdempotencyKey() string {
	return uuid.NewString()
}

// OverageIdempotencyKey is stable for a (tenant, agent, period) so every
// overage report for the period converges on the same provider record.
func OverageIdempotencyKey(tenantID string, agent Agent, periodStart time.Time) string {
	return "overage_" + hashParts(tenantID, string(agent), periodStart.UTC().Format(time.RFC3339))
}

func resourceOrSentinel(resourceID string) string {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return noResourceSentinel
	}
	return resourceID
}

func hashParts(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
