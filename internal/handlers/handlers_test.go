package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"micro-casino/internal/config"
	"micro-casino/internal/fairness"
	"micro-casino/internal/handlers"
	"micro-casino/internal/models"
	"micro-casino/internal/services"
	"micro-casino/internal/storage/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiEnv struct {
	mr     *miniredis.Miniredis
	redis  *services.RedisService
	tasks  *services.TaskRunner
	games  *services.GameRepository
	jwt    *services.JWTService
	ws     *handlers.WebSocketHandler
	router *gin.Engine
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "mines.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rs := services.NewRedisServiceFromClient(client)

	tasks := services.NewTaskRunner(logger, 3).WithInitialBackoff(time.Millisecond)
	t.Cleanup(tasks.Wait)

	games := services.NewGameRepository(rs)
	seeds := services.NewSeedManager(rs, store, games, tasks, services.SeedManagerConfig{
		MaxGamesPerSeed: 100,
		CacheTTL:        time.Hour,
		LockTTL:         5 * time.Second,
	}, logger)
	experience := services.NewExperienceService(store)
	mines := services.NewMinesService(services.MinesDeps{
		Redis:       rs,
		Games:       games,
		Seeds:       seeds,
		Balances:    services.NewBalanceCache(rs, store, decimal.RequireFromString("100.00"), logger),
		Backup:      services.NewBackupService(store, games),
		Experience:  experience,
		Broadcaster: services.NewRedisBroadcaster(rs),
		History:     store,
		Tasks:       tasks,
		Logger:      logger,
	}, services.MinesConfig{
		Limits: models.BetLimits{
			MinBet:          decimal.RequireFromString("0.01"),
			MaxBet:          decimal.RequireFromString("10000"),
			DefaultGridSize: 25,
			MaxGridSize:     400,
		},
		GameTTL:         time.Hour,
		SeedCacheTTL:    time.Hour,
		GameLockTTL:     5 * time.Second,
		TileLockTTL:     5 * time.Second,
		HistoryCacheTTL: time.Minute,
	})

	jwtService := services.NewJWTService(&config.Config{JWTSecret: "test-secret"})
	// The relay outlives the test body, so it must not log through t.
	ws := handlers.NewWebSocketHandler(mines, rs, zap.NewNop())

	return &apiEnv{
		mr:    mr,
		redis: rs,
		tasks: tasks,
		games: games,
		jwt:   jwtService,
		ws:    ws,
		router: handlers.NewRouter(handlers.RouterDeps{
			Mines:       mines,
			Seeds:       seeds,
			Experience:  experience,
			Redis:       rs,
			JWT:         jwtService,
			WebSocket:   ws,
			Logger:      logger,
			IssueTokens: true,
		}),
	}
}

func (e *apiEnv) token(t *testing.T, username string) string {
	t.Helper()
	token, err := e.jwt.Issue(username)
	require.NoError(t, err)
	return token
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (e *apiEnv) createGame(t *testing.T, token string) string {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/api/games/mines", token, gin.H{"bet_amount": "10.00", "mine_count": 3})
	require.Equal(t, http.StatusOK, code, body)
	game := body["game"].(map[string]any)
	return game["game_id"].(string)
}

func (e *apiEnv) safeTile(t *testing.T, gameID string) int {
	t.Helper()
	game, err := e.games.Get(context.Background(), gameID)
	require.NoError(t, err)
	for i := 0; i < game.GridSize; i++ {
		if !fairness.IsBitSet(game.MineMask, i) {
			return i
		}
	}
	t.Fatal("no safe tile")
	return -1
}

func TestAuthRejectsMissingAndMalformedTokens(t *testing.T) {
	env := setupAPI(t)

	code, _ := env.do(t, http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Token abc")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	code, _ = env.do(t, http.MethodGet, "/api/me", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestIssueTokenAndCurrentUser(t *testing.T) {
	env := setupAPI(t)

	code, body := env.do(t, http.MethodPost, "/auth/token", "", gin.H{"username": "alice"})
	require.Equal(t, http.StatusOK, code)
	token := body["token"].(string)

	code, body = env.do(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["user"].(map[string]any)["username"])
	assert.Equal(t, "100", body["wallet"].(map[string]any)["balance"])
}

func TestIssueTokenNotRoutedWhenDisabled(t *testing.T) {
	env := setupAPI(t)
	router := handlers.NewRouter(handlers.RouterDeps{JWT: env.jwt, Redis: env.redis, Logger: zaptest.NewLogger(t)})

	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"username":"alice"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGameFlowOverHTTP(t *testing.T) {
	env := setupAPI(t)
	token := env.token(t, "alice")

	gameID := env.createGame(t, token)

	code, body := env.do(t, http.MethodGet, "/api/games/mines/active", token, nil)
	require.Equal(t, http.StatusOK, code)
	active := body["game"].(map[string]any)
	assert.Equal(t, gameID, active["game_id"])
	assert.NotContains(t, active, "mine_mask")

	tile := env.safeTile(t, gameID)
	code, body = env.do(t, http.MethodPost, "/api/games/mines/"+gameID+"/reveal", token, gin.H{"tile_index": tile})
	require.Equal(t, http.StatusOK, code, body)
	result := body["result"].(map[string]any)
	assert.Equal(t, false, result["hit_mine"])
	assert.Equal(t, string(models.StatusPlaying), result["status"])

	code, body = env.do(t, http.MethodPost, "/api/games/mines/"+gameID+"/cashout", token, nil)
	require.Equal(t, http.StatusOK, code, body)
	cashout := body["result"].(map[string]any)
	assert.Len(t, cashout["mine_positions"], 3)

	code, body = env.do(t, http.MethodGet, "/api/games/balance", token, nil)
	require.Equal(t, http.StatusOK, code)
	balance, err := decimal.NewFromString(body["balance"].(map[string]any)["balance"].(string))
	require.NoError(t, err)
	assert.True(t, balance.GreaterThan(decimal.RequireFromString("90.00")))

	env.tasks.Wait()
	code, body = env.do(t, http.MethodGet, "/api/games/history?limit=10", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
}

func TestErrorMapping(t *testing.T) {
	env := setupAPI(t)
	alice := env.token(t, "alice")
	bob := env.token(t, "bob")

	code, body := env.do(t, http.MethodPost, "/api/games/mines", alice, gin.H{"bet_amount": "10.00", "mine_count": 25})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_PARAMETERS", body["code"])

	code, body = env.do(t, http.MethodPost, "/api/games/mines", alice, gin.H{"bet_amount": "1000.00", "mine_count": 3})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", body["code"])

	gameID := env.createGame(t, alice)

	code, body = env.do(t, http.MethodPost, "/api/games/mines", alice, gin.H{"bet_amount": "1.00", "mine_count": 3})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ACTIVE_GAME_EXISTS", body["code"])

	code, body = env.do(t, http.MethodPost, "/api/games/mines/"+gameID+"/cashout", alice, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "NOTHING_REVEALED", body["code"])

	code, body = env.do(t, http.MethodPost, "/api/games/mines/"+gameID+"/reveal", bob, gin.H{"tile_index": 0})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_OWNER", body["code"])

	code, body = env.do(t, http.MethodPost, "/api/games/mines/"+gameID+"/reveal", alice, gin.H{"tile_index": 25})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_TILE", body["code"])

	code, body = env.do(t, http.MethodPost, "/api/games/mines/"+gameID+"/reveal", alice, gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_PARAMETERS", body["code"])

	code, body = env.do(t, http.MethodPost, "/api/games/mines/missing/reveal", alice, gin.H{"tile_index": 0})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["code"])

	code, body = env.do(t, http.MethodPost, "/api/seeds/rotate", alice, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ACTIVE_GAME_BLOCKS_ROTATION", body["code"])
}

func TestSeedEndpoints(t *testing.T) {
	env := setupAPI(t)
	token := env.token(t, "alice")

	gameID := env.createGame(t, token)
	tile := env.safeTile(t, gameID)
	code, _ := env.do(t, http.MethodPost, "/api/games/mines/"+gameID+"/reveal", token, gin.H{"tile_index": tile})
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, "/api/games/mines/"+gameID+"/cashout", token, nil)
	require.Equal(t, http.StatusOK, code)

	code, body := env.do(t, http.MethodGet, "/api/seeds", token, nil)
	require.Equal(t, http.StatusOK, code)
	before := body["seed"].(map[string]any)
	assert.Len(t, before["active_server_seed_hash"], 64)
	assert.NotContains(t, before, "active_server_seed")
	assert.EqualValues(t, 1, before["nonce"])

	verify := gin.H{
		"server_seed_hash": before["active_server_seed_hash"],
		"client_seed":      before["active_client_seed"],
		"nonce":            1,
	}
	code, body = env.do(t, http.MethodPost, "/api/seeds/verify", token, verify)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, string(models.SeedPending), body["verification"].(map[string]any)["status"])

	code, body = env.do(t, http.MethodPost, "/api/seeds/rotate", token, gin.H{"client_seed": "my-own-seed"})
	require.Equal(t, http.StatusOK, code, body)
	after := body["seed"].(map[string]any)
	assert.Equal(t, before["next_server_seed_hash"], after["active_server_seed_hash"])
	assert.Equal(t, "my-own-seed", after["active_client_seed"])

	env.tasks.Wait()
	code, body = env.do(t, http.MethodPost, "/api/seeds/verify", token, verify)
	require.Equal(t, http.StatusOK, code, body)
	verification := body["verification"].(map[string]any)
	assert.Equal(t, string(models.SeedVerified), verification["status"])
	assert.Equal(t, before["active_server_seed_hash"], fairness.HashServerSeed(verification["server_seed"].(string)))
}

func TestVerifyGameEndpoint(t *testing.T) {
	env := setupAPI(t)
	token := env.token(t, "alice")

	serverSeed := strings.Repeat("ab", 32)
	code, body := env.do(t, http.MethodPost, "/api/games/mines/verify", token, gin.H{
		"server_seed": serverSeed,
		"client_seed": "client",
		"nonce":       7,
		"mine_count":  5,
	})
	require.Equal(t, http.StatusOK, code, body)
	verification := body["verification"].(map[string]any)
	assert.EqualValues(t, 25, verification["grid_size"])
	assert.Equal(t, fairness.HashServerSeed(serverSeed), verification["server_seed_hash"])

	code, _ = env.do(t, http.MethodPost, "/api/games/mines/verify", token, gin.H{
		"server_seed": serverSeed,
		"client_seed": "client",
		"nonce":       7,
		"mine_count":  30,
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRateLimitOnCreate(t *testing.T) {
	env := setupAPI(t)
	token := env.token(t, "alice")

	for i := 0; i < services.DefaultRateLimitBets; i++ {
		code, _ := env.do(t, http.MethodPost, "/api/games/mines", token, gin.H{"bet_amount": "0.01", "mine_count": 3})
		require.NotEqual(t, http.StatusTooManyRequests, code, "request %d", i)
	}
	code, body := env.do(t, http.MethodPost, "/api/games/mines", token, gin.H{"bet_amount": "0.01", "mine_count": 3})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "Rate limit exceeded", body["error"])

	// Reads are not limited.
	code, _ = env.do(t, http.MethodGet, "/api/games/balance", token, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestRedisOutageSurfacesAsUnavailable(t *testing.T) {
	env := setupAPI(t)
	token := env.token(t, "alice")
	env.mr.Close()

	code, _ := env.do(t, http.MethodPost, "/api/games/mines", token, gin.H{"bet_amount": "1.00", "mine_count": 3})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body := env.do(t, http.MethodGet, "/api/games/balance", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "UNAVAILABLE", body["code"])
}

func TestWebSocketRelaysLiveBets(t *testing.T) {
	env := setupAPI(t)
	token := env.token(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.ws.Run(ctx)

	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg handlers.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "BALANCE_UPDATE", msg.Type)

	require.NoError(t, conn.WriteJSON(handlers.Message{Type: "PING"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "PONG", msg.Type)

	require.Eventually(t, func() bool {
		return env.mr.PubSubNumSub(services.ChannelLiveBets)[services.ChannelLiveBets] == 1
	}, 2*time.Second, 10*time.Millisecond)

	gameID := env.createGame(t, token)
	tile := env.safeTile(t, gameID)
	code, _ := env.do(t, http.MethodPost, "/api/games/mines/"+gameID+"/reveal", token, gin.H{"tile_index": tile})
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, "/api/games/mines/"+gameID+"/cashout", token, nil)
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "LIVE_BET", msg.Type)
	event := msg.Data.(map[string]any)
	assert.Equal(t, "alice", event["username"])
	assert.Equal(t, "10", event["stake"])
}
