package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"micro-casino/internal/apperr"
	"micro-casino/internal/fairness"
	"micro-casino/internal/models"
)

var gameFields = []string{
	"version",
	"game_id",
	"username",
	"grid_size",
	"mine_count",
	"mine_mask",
	"revealed_mask",
	"revealed_tiles",
	"multiplier",
	"status",
	"bet_amount",
	"server_seed",
	"server_seed_hash",
	"client_seed",
	"nonce",
	"gems_left",
	"durable_id",
	"created_at",
	"updated_at",
}

// GameRepository reads and writes mines game records in Redis. Records are
// created by the create-and-bet script and only move forward from there.
type GameRepository struct {
	redis *RedisService
}

func NewGameRepository(redisService *RedisService) *GameRepository {
	return &GameRepository{redis: redisService}
}

// Get loads a game record. A missing record is apperr.ErrNotFound; a record
// that does not decode cleanly is an integrity error.
func (r *GameRepository) Get(ctx context.Context, gameID string) (*models.MinesGameState, error) {
	fields, err := r.redis.client.HGetAll(ctx, gameKey(gameID)).Result()
	if err != nil {
		return nil, apperr.Transient("load game", err)
	}
	if len(fields) == 0 {
		return nil, apperr.ErrNotFound
	}
	game, err := decodeGame(fields)
	if err != nil {
		return nil, apperr.Integrity(fmt.Sprintf("decode game %s", gameID), err)
	}
	return game, nil
}

// SaveFinal fixes the mine mask and moves the placeholder from INITIALIZING
// to PLAYING. It fails if the record changed since creation.
func (r *GameRepository) SaveFinal(ctx context.Context, game *models.MinesGameState) error {
	ok, err := r.redis.ConditionalUpdate(ctx, gameKey(game.GameID),
		map[string]string{
			"status": string(models.StatusInitializing),
			"nonce":  strconv.FormatInt(game.Nonce, 10),
		},
		map[string]string{
			"mine_mask":     fairness.FormatMask(game.MineMask, game.GridSize),
			"revealed_mask": fairness.FormatMask(nil, game.GridSize),
			"status":        string(models.StatusPlaying),
			"updated_at":    strconv.FormatInt(game.UpdatedAt.UnixMilli(), 10),
		})
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Wrap(apperr.KindConflict, apperr.CodeConcurrentModification,
			"game changed before it was finalized", nil)
	}
	return nil
}

// StampDurableID records the durable history id on a live game. It reports
// false when the game is already gone.
func (r *GameRepository) StampDurableID(ctx context.Context, gameID string, durableID int64) (bool, error) {
	return r.redis.ConditionalUpdate(ctx, gameKey(gameID),
		map[string]string{"game_id": gameID},
		map[string]string{"durable_id": strconv.FormatInt(durableID, 10)})
}

// MarkCashedOut moves a PLAYING game whose revealed mask is still
// expectedRevealed to CASHED_OUT.
func (r *GameRepository) MarkCashedOut(ctx context.Context, gameID, expectedRevealed string, now time.Time) (bool, error) {
	return r.redis.ConditionalUpdate(ctx, gameKey(gameID),
		map[string]string{
			"status":        string(models.StatusPlaying),
			"revealed_mask": expectedRevealed,
		},
		map[string]string{
			"status":     string(models.StatusCashedOut),
			"updated_at": strconv.FormatInt(now.UnixMilli(), 10),
		})
}

func (r *GameRepository) Delete(ctx context.Context, gameID string) error {
	if err := r.redis.client.Del(ctx, gameKey(gameID)).Err(); err != nil {
		return apperr.Transient("delete game", err)
	}
	return nil
}

// ActiveGameID returns the game the active pointer names, or "" when none.
func (r *GameRepository) ActiveGameID(ctx context.Context, username string) (string, error) {
	id, err := r.redis.client.Get(ctx, activeKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Transient("load active game", err)
	}
	return id, nil
}

// ClearActive drops gameID from the active pointer and the active-games index.
func (r *GameRepository) ClearActive(ctx context.Context, username, gameID string) error {
	return r.redis.ClearActive(ctx, username, gameID)
}

// LiveActiveGames returns the user's active-games index after removing
// entries whose game record has expired.
func (r *GameRepository) LiveActiveGames(ctx context.Context, username string) ([]string, error) {
	ids, err := r.redis.client.SMembers(ctx, activeGamesKey(username)).Result()
	if err != nil {
		return nil, apperr.Transient("load active games", err)
	}
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := r.redis.client.Exists(ctx, gameKey(id)).Result()
		if err != nil {
			return nil, apperr.Transient("check active game", err)
		}
		if n == 1 {
			live = append(live, id)
			continue
		}
		if err := r.redis.client.SRem(ctx, activeGamesKey(username), id).Err(); err != nil {
			return nil, apperr.Transient("prune active games", err)
		}
	}
	return live, nil
}

func decodeGame(fields map[string]string) (*models.MinesGameState, error) {
	for _, f := range gameFields {
		if _, ok := fields[f]; !ok {
			return nil, fmt.Errorf("missing field %q", f)
		}
	}
	if len(fields) != len(gameFields) {
		for f := range fields {
			if !knownGameField(f) {
				return nil, fmt.Errorf("unknown field %q", f)
			}
		}
	}

	d := fieldDecoder{fields: fields}
	game := &models.MinesGameState{
		Version:        d.intField("version"),
		GameID:         fields["game_id"],
		Username:       fields["username"],
		GridSize:       d.intField("grid_size"),
		MineCount:      d.intField("mine_count"),
		RevealedTiles:  d.intsField("revealed_tiles"),
		Multiplier:     d.decimalField("multiplier"),
		Status:         models.GameStatus(fields["status"]),
		BetAmount:      d.decimalField("bet_amount"),
		ServerSeed:     fields["server_seed"],
		ServerSeedHash: fields["server_seed_hash"],
		ClientSeed:     fields["client_seed"],
		Nonce:          d.int64Field("nonce"),
		GemsLeft:       d.intField("gems_left"),
		DurableID:      d.int64Field("durable_id"),
		CreatedAt:      d.timeField("created_at"),
		UpdatedAt:      d.timeField("updated_at"),
	}
	if d.err != nil {
		return nil, d.err
	}
	if game.Version != models.GameRecordVersion {
		return nil, fmt.Errorf("unsupported record version %d", game.Version)
	}
	if !game.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", game.Status)
	}
	if game.Status == models.StatusInitializing {
		return game, nil
	}

	if game.MineMask, d.err = fairness.ParseMask(fields["mine_mask"]); d.err != nil {
		return nil, fmt.Errorf("mine_mask: %w", d.err)
	}
	if game.RevealedMask, d.err = fairness.ParseMask(fields["revealed_mask"]); d.err != nil {
		return nil, fmt.Errorf("revealed_mask: %w", d.err)
	}
	if got := fairness.CountSetBits(game.MineMask); got != game.MineCount {
		return nil, fmt.Errorf("mine mask has %d mines, want %d", got, game.MineCount)
	}
	if got := fairness.CountSetBits(game.RevealedMask); got != len(game.RevealedTiles) {
		return nil, fmt.Errorf("revealed mask has %d tiles, list has %d", got, len(game.RevealedTiles))
	}
	return game, nil
}

func knownGameField(f string) bool {
	for _, k := range gameFields {
		if k == f {
			return true
		}
	}
	return false
}

// fieldDecoder keeps the first conversion error so a record decodes in one pass.
type fieldDecoder struct {
	fields map[string]string
	err    error
}

func (d *fieldDecoder) fail(field string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%s: %w", field, err)
	}
}

func (d *fieldDecoder) int64Field(field string) int64 {
	v, err := strconv.ParseInt(d.fields[field], 10, 64)
	if err != nil {
		d.fail(field, err)
	}
	return v
}

func (d *fieldDecoder) intField(field string) int {
	return int(d.int64Field(field))
}

func (d *fieldDecoder) decimalField(field string) decimal.Decimal {
	v, err := decimal.NewFromString(d.fields[field])
	if err != nil {
		d.fail(field, err)
	}
	return v
}

func (d *fieldDecoder) timeField(field string) time.Time {
	return time.UnixMilli(d.int64Field(field)).UTC()
}

func (d *fieldDecoder) intsField(field string) []int {
	raw := d.fields[field]
	values := make([]int, 0)
	if raw == "" {
		return values
	}
	for _, part := range strings.Split(raw, ",") {
		v, err := strconv.Atoi(part)
		if err != nil {
			d.fail(field, err)
			return nil
		}
		values = append(values, v)
	}
	return values
}
