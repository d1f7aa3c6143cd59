// Package qcstate tracks which QC series are currently out of control.
// The failed state is folded in from each point's frozen violations at
// append time, so the auto-verification path answers in O(1) instead of
// re-running Westgard evaluation over full history on every check.
package qcstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lims-autoverify-server/internal/domain"
)

// stateCacheSize bounds the in-process per-level state cache.
const stateCacheSize = 8192

// Tracker holds the QC-failed state per (qcTestID, levelID). A Redis client
// is optional: with one configured the state is written through so every
// instance observes the same QC state; without one the tracker is purely
// in-process.
type Tracker struct {
	logger *logrus.Logger
	client *redis.Client
	ttl    time.Duration

	levels *lru.Cache[string, bool]

	mu     sync.Mutex
	failed map[string]map[string]struct{} // qcTestID -> failed level IDs
}

// NewTracker creates a QC state tracker. client may be nil.
func NewTracker(logger *logrus.Logger, client *redis.Client, ttl time.Duration) (*Tracker, error) {
	levels, err := lru.New[string, bool](stateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating state cache: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tracker{
		logger: logger,
		client: client,
		ttl:    ttl,
		levels: levels,
		failed: make(map[string]map[string]struct{}),
	}, nil
}

// Apply folds a newly frozen QC point into the state: any reject violation
// marks the level failed; an in-control point clears it. A 1-2s warning
// alone never marks a level failed.
func (t *Tracker) Apply(ctx context.Context, point *domain.QCResult) error {
	failed := point.HasRejectViolation()

	t.levels.Add(levelKey(point.QCTestID, point.LevelID), failed)
	t.setLocal(point.QCTestID, point.LevelID, failed)

	if t.client == nil {
		return nil
	}

	key := redisLevelKey(point.QCTestID, point.LevelID)
	setKey := redisFailedSetKey(point.QCTestID)

	pipe := t.client.Pipeline()
	if failed {
		pipe.Set(ctx, key, "failed", t.ttl)
		pipe.SAdd(ctx, setKey, point.LevelID)
		pipe.Expire(ctx, setKey, t.ttl)
	} else {
		pipe.Set(ctx, key, "ok", t.ttl)
		pipe.SRem(ctx, setKey, point.LevelID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Local state already holds the truth for this instance.
		t.logger.WithError(err).WithFields(logrus.Fields{
			"qc_test_id": point.QCTestID,
			"level_id":   point.LevelID,
		}).Warn("Failed to write QC state to redis")
	}
	return nil
}

// IsFailed reports whether the level is out of control. An empty levelID
// asks whether any level of the QC test is failed.
func (t *Tracker) IsFailed(ctx context.Context, qcTestID, levelID string) (bool, error) {
	if levelID == "" {
		return t.anyFailed(ctx, qcTestID)
	}

	if t.client != nil {
		val, err := t.client.Get(ctx, redisLevelKey(qcTestID, levelID)).Result()
		switch {
		case err == nil:
			return val == "failed", nil
		case err != redis.Nil:
			t.logger.WithError(err).Warn("Redis QC state read failed, using local state")
		}
	}

	if failed, ok := t.levels.Get(levelKey(qcTestID, levelID)); ok {
		return failed, nil
	}
	// Unknown series: no reject on record means not failed.
	return false, nil
}

func (t *Tracker) anyFailed(ctx context.Context, qcTestID string) (bool, error) {
	if t.client != nil {
		n, err := t.client.SCard(ctx, redisFailedSetKey(qcTestID)).Result()
		if err == nil {
			return n > 0, nil
		}
		t.logger.WithError(err).Warn("Redis QC state read failed, using local state")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failed[qcTestID]) > 0, nil
}

func (t *Tracker) setLocal(qcTestID, levelID string, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.failed[qcTestID]
	if failed {
		if set == nil {
			set = make(map[string]struct{})
			t.failed[qcTestID] = set
		}
		set[levelID] = struct{}{}
		return
	}
	if set != nil {
		delete(set, levelID)
		if len(set) == 0 {
			delete(t.failed, qcTestID)
		}
	}
}

func levelKey(qcTestID, levelID string) string {
	return qcTestID + ":" + levelID
}

func redisLevelKey(qcTestID, levelID string) string {
	return "qcstate:" + qcTestID + ":" + levelID
}

func redisFailedSetKey(qcTestID string) string {
	return "qcfailed:" + qcTestID
}
