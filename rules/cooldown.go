/*
Package rules gates recurring side effects with dedupe keys.

PURPOSE:
  Achievement unlocks and re-engagement messages must happen at most once
  per user per rule (per window, for messages) however often the
  evaluators run and however many processes run them. Both reduce to
  generic.DedupeStore.UpsertIfAbsent with a carefully chosen key.

KEYS:
  rule:{ruleID}:{userID}:{bucketStartMs}   FireOnce, one per cooldown window
  achievement:{userID}:{code}              UnlockOnce, permanent

COOLDOWN BUCKETS:
  Windows are fixed-width and epoch-aligned, not sliding. With a 24h
  cooldown a firing at 23:59 UTC and another at 00:01 UTC land in
  different buckets and both fire.

SEE ALSO:
  - achievements.go: Evaluator hooked into the session engine
  - engagement.go: periodic inactivity rules
*/
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/metrics"
)

const (
	rulePrefix        = "rule"
	achievementPrefix = "achievement"
)

// CooldownBucket returns the start of the epoch-aligned window of width
// cooldownMs that contains nowMs. Negative times floor toward -inf.
func CooldownBucket(nowMs, cooldownMs int64) (int64, error) {
	if cooldownMs <= 0 {
		return 0, generic.Invalid("cooldown", "must be positive")
	}
	q := nowMs / cooldownMs
	if nowMs%cooldownMs != 0 && nowMs < 0 {
		q--
	}
	return q * cooldownMs, nil
}

// FireKey is the dedupe key of one rule firing for userID in the bucket.
func FireKey(ruleID, userID string, bucketStartMs int64) string {
	return generic.Key(rulePrefix, ruleID, userID, strconv.FormatInt(bucketStartMs, 10))
}

// AchievementKey is the permanent dedupe key of an unlock.
func AchievementKey(userID, code string) string {
	return generic.Key(achievementPrefix, userID, code)
}

// =============================================================================
// SCHEDULER
// =============================================================================

// Scheduler is stateless; all coordination lives in the DedupeStore.
type Scheduler struct {
	Store   generic.DedupeStore
	Clock   generic.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewScheduler(store generic.DedupeStore) *Scheduler {
	return &Scheduler{Store: store, Clock: generic.SystemClock{}}
}

// FireOnce records a firing of ruleID for userID unless one already exists
// in the current cooldown window. created=false means suppressed.
func (s *Scheduler) FireOnce(ctx context.Context, ruleID, userID string, cooldown time.Duration, payload map[string]string) (created bool, err error) {
	ctx, span := generic.StartSpan(ctx, "rules.FireOnce",
		attribute.String("rule.id", ruleID), attribute.String("user.id", userID))
	defer func() { generic.EndSpan(span, err) }()

	if err := requirePart("ruleId", ruleID); err != nil {
		return false, err
	}
	if err := requirePart("userId", userID); err != nil {
		return false, err
	}

	now := generic.ClockOrSystem(s.Clock).Now()
	bucket, err := CooldownBucket(now.UnixMilli(), cooldown.Milliseconds())
	if err != nil {
		return false, err
	}

	p := generic.ClonePayload(payload)
	if p == nil {
		p = make(map[string]string, 2)
	}
	p["rule_id"] = ruleID
	p["bucket_start"] = time.UnixMilli(bucket).UTC().Format(time.RFC3339)

	created, err = s.Store.UpsertIfAbsent(ctx, generic.Record{
		Key:       FireKey(ruleID, userID, bucket),
		Payload:   p,
		CreatedAt: now,
	})
	if err != nil {
		s.Metrics.ObserveRuleFiring(ruleID, metrics.FireFailed)
		return false, fmt.Errorf("fire %s for %s: %w", ruleID, userID, err)
	}
	if created {
		s.Metrics.ObserveRuleFiring(ruleID, metrics.FireCreated)
	} else {
		s.Metrics.ObserveRuleFiring(ruleID, metrics.FireSuppressed)
	}
	return created, nil
}

// UnlockOnce records a permanent achievement unlock.
func (s *Scheduler) UnlockOnce(ctx context.Context, userID, code string, payload map[string]string) (created bool, err error) {
	ctx, span := generic.StartSpan(ctx, "rules.UnlockOnce",
		attribute.String("user.id", userID), attribute.String("achievement", code))
	defer func() { generic.EndSpan(span, err) }()

	if err := requirePart("userId", userID); err != nil {
		return false, err
	}
	if err := requirePart("code", code); err != nil {
		return false, err
	}

	created, err = s.Store.UpsertIfAbsent(ctx, generic.Record{
		Key:       AchievementKey(userID, code),
		Payload:   generic.ClonePayload(payload),
		CreatedAt: generic.ClockOrSystem(s.Clock).Now(),
	})
	if err != nil {
		s.Metrics.ObserveRuleFiring(achievementPrefix+"."+code, metrics.FireFailed)
		return false, fmt.Errorf("unlock %s for %s: %w", code, userID, err)
	}
	if created {
		s.Metrics.ObserveRuleFiring(achievementPrefix+"."+code, metrics.FireCreated)
		s.logger().Info("achievement unlocked", "user_id", userID, "code", code)
	}
	return created, nil
}

// Unlock is one achievement a user holds.
type Unlock struct {
	Code       string
	Payload    map[string]string
	UnlockedAt time.Time
}

// Unlocked lists a user's achievements ordered by code.
func (s *Scheduler) Unlocked(ctx context.Context, userID string) ([]Unlock, error) {
	if err := requirePart("userId", userID); err != nil {
		return nil, err
	}
	prefix := AchievementKey(userID, "")
	records, err := s.Store.ListRecords(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Unlock, 0, len(records))
	for _, r := range records {
		out = append(out, Unlock{
			Code:       strings.TrimPrefix(r.Key, prefix),
			Payload:    r.Payload,
			UnlockedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// requirePart rejects key parts that would make keys ambiguous.
func requirePart(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return generic.Invalid(field, "required")
	}
	if strings.Contains(value, generic.KeySeparator) {
		return generic.Invalid(field, "must not contain "+generic.KeySeparator)
	}
	return nil
}
