package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"micro-casino/internal/apperr"
	"micro-casino/internal/fairness"
	"micro-casino/internal/logging"
	"micro-casino/internal/models"
	"micro-casino/internal/storage"
)

const maxReplayPerPass = 100

var clientSeedPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var seedFields = []string{
	"username",
	"active_server_seed",
	"active_server_seed_hash",
	"active_client_seed",
	"next_server_seed",
	"next_server_seed_hash",
	"nonce",
	"total_games_played",
	"max_games_per_seed",
	"created_at",
}

// pendingRotation is a rotation whose durable write is waiting for replay.
type pendingRotation struct {
	Record models.SeedRotationRecord `json:"record"`
	Pair   map[string]string         `json:"pair"`
}

type SeedManagerConfig struct {
	MaxGamesPerSeed int64
	CacheTTL        time.Duration
	LockTTL         time.Duration
}

// SeedManager owns each user's seed pair: one ACTIVE pair in use and a NEXT
// server seed whose hash is already published. Redis holds the live copy;
// the durable store follows it asynchronously.
type SeedManager struct {
	redis  *RedisService
	store  storage.SeedStore
	games  *GameRepository
	tasks  *TaskRunner
	logger *zap.Logger
	cfg    SeedManagerConfig
	now    func() time.Time
}

func NewSeedManager(redisService *RedisService, store storage.SeedStore, games *GameRepository, tasks *TaskRunner, cfg SeedManagerConfig, logger *zap.Logger) *SeedManager {
	return &SeedManager{
		redis:  redisService,
		store:  store,
		games:  games,
		tasks:  tasks,
		logger: logging.OrNop(logger),
		cfg:    cfg,
		now:    time.Now,
	}
}

// GetUserSeed returns the user's seed pair from the cache, reading through to
// the durable store and creating a fresh pair when the user has none.
func (s *SeedManager) GetUserSeed(ctx context.Context, username string) (*models.UserSeedPair, error) {
	pair, ok, err := s.cached(ctx, username)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindIntegrity {
			return nil, err
		}
		s.logger.Warn("seed cache unavailable, reading durable store", zap.String("username", username), zap.Error(err))
		return s.loadDurable(ctx, username)
	}
	if ok {
		return pair, nil
	}

	durable, err := s.loadDurable(ctx, username)
	if err != nil {
		return nil, err
	}
	args := []any{seconds(s.cfg.CacheTTL)}
	for _, kv := range encodeSeedPairs(durable) {
		args = append(args, kv)
	}
	if err := cacheSeedScript.Run(ctx, s.redis.client, []string{seedKey(username)}, args...).Err(); err != nil {
		s.logger.Warn("cache seed pair", zap.String("username", username), zap.Error(err))
		return durable, nil
	}

	// Another request may have cached the pair first; that copy is authoritative.
	pair, ok, err = s.cached(ctx, username)
	if err != nil || !ok {
		return durable, nil
	}
	return pair, nil
}

// GetAndIncrementNonce consumes the next nonce of the active pair. The durable
// store is updated in the background, or directly when Redis is unavailable.
func (s *SeedManager) GetAndIncrementNonce(ctx context.Context, username string) (int64, error) {
	if _, err := s.GetUserSeed(ctx, username); err != nil {
		return 0, err
	}
	values, err := runReply(ctx, incrementNonceScript, s.redis.client, []string{seedKey(username)}, seconds(s.cfg.CacheTTL))
	if IsRejection(err, rejectSeedNotCached) {
		if _, err := s.GetUserSeed(ctx, username); err != nil {
			return 0, err
		}
		values, err = runReply(ctx, incrementNonceScript, s.redis.client, []string{seedKey(username)}, seconds(s.cfg.CacheTTL))
	}
	if err != nil {
		return s.incrementDurable(ctx, username, err)
	}

	nonce, err := strconv.ParseInt(values[1], 10, 64)
	if err != nil {
		return 0, apperr.Integrity("nonce reply", err)
	}
	s.MirrorNonce(username, values[2], nonce)
	return nonce, nil
}

func (s *SeedManager) incrementDurable(ctx context.Context, username string, cause error) (int64, error) {
	s.logger.Warn("nonce increment falling back to durable store", zap.String("username", username), zap.Error(cause))
	nonce, err := s.store.IncrementNonce(ctx, username)
	if err != nil {
		return 0, apperr.Transient("increment nonce", err)
	}
	// The cached copy is now behind; drop it so the next read reloads.
	_ = s.redis.client.Del(ctx, seedKey(username)).Err()
	return nonce, nil
}

// MirrorNonce copies a consumed nonce to the durable store in the background.
func (s *SeedManager) MirrorNonce(username, serverSeedHash string, nonce int64) {
	s.tasks.Go("mirror nonce", func(ctx context.Context) error {
		return s.store.MirrorNonce(ctx, username, serverSeedHash, nonce)
	}, nil)
}

// RotateSeed retires the active pair, promotes the pre-committed next server
// seed and commits to a new next seed. An empty newClientSeed keeps the
// current client seed for automatic rotations and draws a fresh one otherwise.
func (s *SeedManager) RotateSeed(ctx context.Context, username, newClientSeed string, rotationType models.RotationType) (*models.SeedInfo, error) {
	if newClientSeed != "" && !clientSeedPattern.MatchString(newClientSeed) {
		return nil, apperr.Validation("client seed must be 1-64 letters, digits, '-' or '_'")
	}

	lock, err := s.redis.AcquireLock(ctx, rotationLockKey(username), s.cfg.LockTTL)
	if errors.Is(err, ErrLockHeld) {
		return nil, apperr.ErrRotationInProgress
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release rotation lock", zap.String("username", username), zap.Error(err))
		}
	}()

	if err := s.ensureNoActiveGame(ctx, username); err != nil {
		return nil, err
	}

	current, err := s.GetUserSeed(ctx, username)
	if err != nil {
		return nil, err
	}
	clientSeed := newClientSeed
	if clientSeed == "" && rotationType == models.RotationAuto {
		clientSeed = current.ActiveClientSeed
	}
	if clientSeed == "" {
		if clientSeed, err = fairness.GenerateClientSeed(); err != nil {
			return nil, apperr.Transient("generate client seed", err)
		}
	}
	nextSeed, err := fairness.GenerateServerSeed()
	if err != nil {
		return nil, apperr.Transient("generate server seed", err)
	}

	now := s.now().UTC()
	record := models.SeedRotationRecord{
		Username:       username,
		ServerSeed:     current.ActiveServerSeed,
		ServerSeedHash: current.ActiveServerSeedHash,
		ClientSeed:     current.ActiveClientSeed,
		FirstNonce:     1,
		LastNonce:      current.Nonce,
		GamesPlayed:    current.TotalGamesPlayed,
		RotationType:   rotationType,
		RotatedAt:      now,
	}
	next := models.UserSeedPair{
		Username:             username,
		ActiveServerSeed:     current.NextServerSeed,
		ActiveServerSeedHash: current.NextServerSeedHash,
		ActiveClientSeed:     clientSeed,
		NextServerSeed:       nextSeed,
		NextServerSeedHash:   fairness.HashServerSeed(nextSeed),
		MaxGamesPerSeed:      current.MaxGamesPerSeed,
		CreatedAt:            now,
	}

	// A game created since the checks above consumed a nonce; refuse rather
	// than archive a range that misses it.
	ok, err := s.redis.ConditionalUpdate(ctx, seedKey(username),
		map[string]string{
			"active_server_seed_hash": current.ActiveServerSeedHash,
			"nonce":                   strconv.FormatInt(current.Nonce, 10),
		},
		encodeSeed(&next))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrConcurrentModification
	}

	s.cacheRotation(ctx, record)
	s.tasks.Go("persist rotation", func(ctx context.Context) error {
		return s.store.SaveRotation(ctx, record, next)
	}, func(err error) {
		s.queueRotation(record, next)
	})

	s.logger.Info("seed pair rotated",
		zap.String("username", username),
		zap.String("type", string(rotationType)),
		zap.String("retired_hash", record.ServerSeedHash),
		zap.Int64("last_nonce", record.LastNonce))
	return next.Info(), nil
}

// AutoRotateIfDue rotates the user's pair once it has served its maximum
// number of games. It is a no-op while a game is active or a rotation runs.
func (s *SeedManager) AutoRotateIfDue(ctx context.Context, username string) (bool, error) {
	pair, err := s.GetUserSeed(ctx, username)
	if err != nil {
		return false, err
	}
	if pair.MaxGamesPerSeed <= 0 || pair.TotalGamesPlayed < pair.MaxGamesPerSeed {
		return false, nil
	}
	_, err = s.RotateSeed(ctx, username, "", models.RotationAuto)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, apperr.ErrActiveGameBlocksRotation),
		errors.Is(err, apperr.ErrRotationInProgress),
		errors.Is(err, apperr.ErrConcurrentModification):
		return false, nil
	default:
		return false, err
	}
}

// VerifyGameResult resolves the server seed behind a past round. A round on
// the still-active pair cannot be verified yet.
func (s *SeedManager) VerifyGameResult(ctx context.Context, username, serverSeedHash, clientSeed string, nonce int64) (*models.SeedVerification, error) {
	pair, err := s.GetUserSeed(ctx, username)
	if err != nil {
		return nil, err
	}
	if pair.ActiveServerSeedHash == serverSeedHash {
		return &models.SeedVerification{Status: models.SeedPending}, nil
	}

	if record, ok := s.findCachedRotation(ctx, username, serverSeedHash, clientSeed, nonce); ok {
		return verified(record)
	}

	record, err := s.store.FindRotation(ctx, serverSeedHash, clientSeed, nonce)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.SeedVerification{Status: models.SeedNotFound}, nil
	}
	if err != nil {
		return nil, apperr.Transient("find rotation", err)
	}
	return verified(record)
}

func verified(record models.SeedRotationRecord) (*models.SeedVerification, error) {
	if fairness.HashServerSeed(record.ServerSeed) != record.ServerSeedHash {
		return nil, apperr.Integrity(fmt.Sprintf("archived seed does not match hash %s", record.ServerSeedHash), nil)
	}
	return &models.SeedVerification{
		Status:     models.SeedVerified,
		ServerSeed: record.ServerSeed,
		Rotation:   &record,
	}, nil
}

// RevealedServerSeed returns the preimage of serverSeedHash once its pair has
// been retired, or "" while it is still in use.
func (s *SeedManager) RevealedServerSeed(ctx context.Context, username, serverSeedHash, clientSeed string, nonce int64) string {
	v, err := s.VerifyGameResult(ctx, username, serverSeedHash, clientSeed, nonce)
	if err != nil || v.Status != models.SeedVerified {
		return ""
	}
	return v.ServerSeed
}

func (s *SeedManager) GetSeedInfo(ctx context.Context, username string) (*models.SeedInfo, error) {
	pair, err := s.GetUserSeed(ctx, username)
	if err != nil {
		return nil, err
	}
	return pair.Info(), nil
}

// ReplayPendingPersistence retries queued rotation writes, oldest first, and
// stops at the first failure so ordering is kept.
func (s *SeedManager) ReplayPendingPersistence(ctx context.Context) (int, error) {
	replayed := 0
	for replayed < maxReplayPerPass {
		raw, err := s.redis.client.RPop(ctx, KeySeedPersistRetry).Result()
		if errors.Is(err, redis.Nil) {
			return replayed, nil
		}
		if err != nil {
			return replayed, apperr.Transient("pop persistence retry", err)
		}

		var pending pendingRotation
		if err := json.Unmarshal([]byte(raw), &pending); err != nil {
			s.logger.Error("dropping malformed persistence retry", zap.String("value", raw), zap.Error(err))
			continue
		}
		pair, err := decodeSeed(pending.Pair)
		if err != nil {
			s.logger.Error("dropping malformed persistence retry", zap.String("value", raw), zap.Error(err))
			continue
		}
		if err := s.store.SaveRotation(ctx, pending.Record, *pair); err != nil {
			if pushErr := s.redis.client.RPush(ctx, KeySeedPersistRetry, raw).Err(); pushErr != nil {
				s.logger.Error("requeue persistence retry", zap.String("value", raw), zap.Error(pushErr))
			}
			return replayed, fmt.Errorf("replay rotation for %s: %w", pending.Record.Username, err)
		}
		replayed++
	}
	return replayed, nil
}

func (s *SeedManager) ensureNoActiveGame(ctx context.Context, username string) error {
	live, err := s.games.LiveActiveGames(ctx, username)
	if err != nil {
		return err
	}
	if len(live) > 0 {
		return apperr.ErrActiveGameBlocksRotation
	}
	active, err := s.games.ActiveGameID(ctx, username)
	if err != nil {
		return err
	}
	if active != "" {
		return apperr.ErrActiveGameBlocksRotation
	}
	return nil
}

func (s *SeedManager) cached(ctx context.Context, username string) (*models.UserSeedPair, bool, error) {
	fields, err := s.redis.client.HGetAll(ctx, seedKey(username)).Result()
	if err != nil {
		return nil, false, apperr.Transient("load seed pair", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	pair, err := decodeSeed(fields)
	if err != nil {
		s.logger.Error("malformed cached seed pair", zap.String("username", username), zap.Error(err))
		return nil, false, apperr.Integrity("decode seed pair", err)
	}
	return pair, true, nil
}

func (s *SeedManager) loadDurable(ctx context.Context, username string) (*models.UserSeedPair, error) {
	pair, err := s.store.GetSeedPair(ctx, username)
	if err == nil {
		return &pair, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Transient("load durable seed pair", err)
	}

	fresh, err := s.newSeedPair(username)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.CreateSeedPair(ctx, *fresh)
	if err != nil {
		return nil, apperr.Transient("create seed pair", err)
	}
	return &stored, nil
}

func (s *SeedManager) newSeedPair(username string) (*models.UserSeedPair, error) {
	active, err := fairness.GenerateServerSeed()
	if err != nil {
		return nil, apperr.Transient("generate server seed", err)
	}
	next, err := fairness.GenerateServerSeed()
	if err != nil {
		return nil, apperr.Transient("generate server seed", err)
	}
	client, err := fairness.GenerateClientSeed()
	if err != nil {
		return nil, apperr.Transient("generate client seed", err)
	}
	return &models.UserSeedPair{
		Username:             username,
		ActiveServerSeed:     active,
		ActiveServerSeedHash: fairness.HashServerSeed(active),
		ActiveClientSeed:     client,
		NextServerSeed:       next,
		NextServerSeedHash:   fairness.HashServerSeed(next),
		MaxGamesPerSeed:      s.cfg.MaxGamesPerSeed,
		CreatedAt:            s.now().UTC(),
	}, nil
}

func (s *SeedManager) cacheRotation(ctx context.Context, record models.SeedRotationRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("marshal rotation record", zap.Error(err))
		return
	}
	key := rotationsKey(record.Username)
	pipe := s.redis.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, RotationCacheSize-1)
	pipe.Expire(ctx, key, s.cfg.CacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("cache rotation record", zap.String("username", record.Username), zap.Error(err))
	}
}

func (s *SeedManager) findCachedRotation(ctx context.Context, username, serverSeedHash, clientSeed string, nonce int64) (models.SeedRotationRecord, bool) {
	items, err := s.redis.client.LRange(ctx, rotationsKey(username), 0, -1).Result()
	if err != nil {
		s.logger.Warn("load cached rotations", zap.String("username", username), zap.Error(err))
		return models.SeedRotationRecord{}, false
	}
	for _, item := range items {
		var record models.SeedRotationRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			continue
		}
		if record.ServerSeedHash == serverSeedHash && record.ClientSeed == clientSeed && record.Covers(nonce) {
			return record, true
		}
	}
	return models.SeedRotationRecord{}, false
}

func (s *SeedManager) queueRotation(record models.SeedRotationRecord, next models.UserSeedPair) {
	data, err := json.Marshal(pendingRotation{Record: record, Pair: encodeSeed(&next)})
	if err != nil {
		s.logger.Error("marshal persistence retry", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.redis.client.LPush(ctx, KeySeedPersistRetry, data).Err(); err != nil {
		s.logger.Error("queue persistence retry",
			zap.String("username", record.Username),
			zap.String("retired_hash", record.ServerSeedHash),
			zap.Error(err))
	}
}

func encodeSeed(p *models.UserSeedPair) map[string]string {
	return map[string]string{
		"username":                p.Username,
		"active_server_seed":      p.ActiveServerSeed,
		"active_server_seed_hash": p.ActiveServerSeedHash,
		"active_client_seed":      p.ActiveClientSeed,
		"next_server_seed":        p.NextServerSeed,
		"next_server_seed_hash":   p.NextServerSeedHash,
		"nonce":                   strconv.FormatInt(p.Nonce, 10),
		"total_games_played":      strconv.FormatInt(p.TotalGamesPlayed, 10),
		"max_games_per_seed":      strconv.FormatInt(p.MaxGamesPerSeed, 10),
		"created_at":              strconv.FormatInt(p.CreatedAt.UnixMilli(), 10),
	}
}

// encodeSeedPairs flattens encodeSeed in field order for script arguments.
func encodeSeedPairs(p *models.UserSeedPair) []string {
	m := encodeSeed(p)
	out := make([]string, 0, 2*len(seedFields))
	for _, f := range seedFields {
		out = append(out, f, m[f])
	}
	return out
}

func decodeSeed(fields map[string]string) (*models.UserSeedPair, error) {
	for _, f := range seedFields {
		if _, ok := fields[f]; !ok {
			return nil, fmt.Errorf("missing field %q", f)
		}
	}
	if len(fields) != len(seedFields) {
		return nil, fmt.Errorf("seed record has %d fields, want %d", len(fields), len(seedFields))
	}
	d := fieldDecoder{fields: fields}
	pair := &models.UserSeedPair{
		Username:             fields["username"],
		ActiveServerSeed:     fields["active_server_seed"],
		ActiveServerSeedHash: fields["active_server_seed_hash"],
		ActiveClientSeed:     fields["active_client_seed"],
		NextServerSeed:       fields["next_server_seed"],
		NextServerSeedHash:   fields["next_server_seed_hash"],
		Nonce:                d.int64Field("nonce"),
		TotalGamesPlayed:     d.int64Field("total_games_played"),
		MaxGamesPerSeed:      d.int64Field("max_games_per_seed"),
		CreatedAt:            d.timeField("created_at"),
	}
	if d.err != nil {
		return nil, d.err
	}
	if pair.ActiveServerSeed == "" || pair.ActiveServerSeedHash == "" {
		return nil, errors.New("empty active seed")
	}
	return pair, nil
}
