package tape

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SyncResult describes the outcome of one Sync call. The freshness fields
// are part of the tool-facing contract: callers always learn how old the
// data is and whether a refresh was kicked off on their behalf.
type SyncResult struct {
	Cached              bool       `json:"cached"`
	BackgroundTriggered bool       `json:"background_sync_triggered"`
	StalenessSeconds    int64      `json:"staleness_seconds"`
	Activities          []Activity `json:"-"`
}

// SyncOption configures a SyncService.
type SyncOption func(*SyncService)

// SyncCooldown sets the fresh-mode window (default: 5m). Calls within it
// return cached data with no work.
func SyncCooldown(d time.Duration) SyncOption {
	return func(s *SyncService) { s.cooldown = d }
}

// SyncHard sets the very-stale cutoff (default: 1h). Calls past it block
// on a full refresh.
func SyncHard(d time.Duration) SyncOption {
	return func(s *SyncService) { s.hard = d }
}

// SyncClock injects the time source (default: time.Now).
func SyncClock(now func() time.Time) SyncOption {
	return func(s *SyncService) { s.clock = now }
}

// SyncLogger sets the structured logger (default: no output).
func SyncLogger(l *slog.Logger) SyncOption {
	return func(s *SyncService) { s.logger = l }
}

// SyncService is a freshness-aware cache in front of the broker's activity
// API. Every call is answered from the cache unless the data is stale
// enough to be worth the wait; background refreshes keep the cache warm
// without ever blocking a caller. Safe for concurrent use.
type SyncService struct {
	store    SyncStore
	broker   BrokerClient
	cooldown time.Duration
	hard     time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	group singleflight.Group // coalesces very-stale refreshes per user

	mu       sync.Mutex
	inFlight map[string]bool // users with a background refresh running

	// wg tracks background refreshes so Close can wait for them.
	wg sync.WaitGroup
}

// NewSyncService creates a sync service over store and broker.
func NewSyncService(store SyncStore, broker BrokerClient, opts ...SyncOption) *SyncService {
	s := &SyncService{
		store:    store,
		broker:   broker,
		cooldown: 5 * time.Minute,
		hard:     time.Hour,
		clock:    time.Now,
		logger:   nopLogger,
		inFlight: map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync returns the user's cached activities with a freshness tag, deciding
// per the staleness ladder whether to do nothing, refresh in the
// background, or block the caller on a refresh:
//
//   - staleness < cooldown: cached data, no work;
//   - cooldown ≤ staleness < hard: cached data now, plus at most one
//     background refresh per user;
//   - staleness ≥ hard, never synced, or force: the caller blocks on a
//     refresh; concurrent callers in this mode coalesce onto one fetch.
func (s *SyncService) Sync(ctx context.Context, userID string, force bool) (SyncResult, error) {
	now := s.clock()
	state, err := s.store.SyncState(ctx, userID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync: load state: %w", err)
	}

	neverSynced := state.LastSyncAt.IsZero()
	staleness := now.Sub(state.LastSyncAt)

	// Very-Stale: block the caller, one fetch per coalesced group.
	if force || neverSynced || staleness >= s.hard {
		if _, err, _ := s.group.Do(userID, func() (any, error) {
			return nil, s.refresh(ctx, userID)
		}); err != nil {
			return SyncResult{}, err
		}
		acts, err := s.store.Activities(ctx, userID)
		if err != nil {
			return SyncResult{}, fmt.Errorf("sync: load activities: %w", err)
		}
		return SyncResult{Activities: acts}, nil
	}

	acts, err := s.store.Activities(ctx, userID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync: load activities: %w", err)
	}
	res := SyncResult{
		Cached:           true,
		StalenessSeconds: int64(staleness.Seconds()),
		Activities:       acts,
	}

	// Fresh: nothing else to do.
	if staleness < s.cooldown {
		return res, nil
	}

	// Stale-Background: serve the cache and warm it behind the caller's
	// back. At most one refresh per user, guarded in-process by the map
	// and across processes by the persisted in_flight flag; losers of the
	// race just report background_sync_triggered=false. A flag left stuck
	// by a crash clears on the next Very-Stale or forced refresh.
	s.mu.Lock()
	if !state.InFlight && !s.inFlight[userID] {
		s.inFlight[userID] = true
		res.BackgroundTriggered = true
		marked := SyncState{UserID: userID, LastSyncAt: state.LastSyncAt, InFlight: true}
		if err := s.store.SetSyncState(ctx, marked); err != nil {
			s.logger.Warn("sync: mark in flight failed", "user_id", userID, "error", err)
		}
		s.wg.Add(1)
		// The refresh must survive the caller: disconnecting mid-stream
		// does not abandon a half-done pull.
		bg := context.WithoutCancel(ctx)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.inFlight, userID)
				s.mu.Unlock()
			}()
			if err := s.refresh(bg, userID); err != nil {
				s.logger.Warn("background sync failed", "user_id", userID, "error", err)
				cleared := SyncState{UserID: userID, LastSyncAt: state.LastSyncAt}
				if err := s.store.SetSyncState(bg, cleared); err != nil {
					s.logger.Warn("sync: clear in flight failed", "user_id", userID, "error", err)
				}
			}
		}()
	}
	s.mu.Unlock()

	return res, nil
}

// Wait blocks until all background refreshes finish. For shutdown and tests.
func (s *SyncService) Wait() {
	s.wg.Wait()
}

// refresh pulls the user's activity window from the broker and persists it
// together with a fresh sync state.
func (s *SyncService) refresh(ctx context.Context, userID string) error {
	started := s.clock()
	s.logger.Debug("sync refresh started", "user_id", userID)

	acts, err := s.broker.Activities(ctx, userID, "", started.AddDate(0, -3, 0), started)
	if err != nil {
		return fmt.Errorf("sync: fetch activities: %w", err)
	}
	if err := s.store.SaveActivities(ctx, userID, acts); err != nil {
		return fmt.Errorf("sync: save activities: %w", err)
	}
	if err := s.store.SetSyncState(ctx, SyncState{UserID: userID, LastSyncAt: s.clock()}); err != nil {
		return fmt.Errorf("sync: save state: %w", err)
	}

	s.logger.Debug("sync refresh completed", "user_id", userID, "activities", len(acts), "duration", s.clock().Sub(started))
	return nil
}
