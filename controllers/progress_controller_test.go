package controllers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mannmitra/rewards/config"
	"github.com/mannmitra/rewards/controllers"
	"github.com/mannmitra/rewards/ledger"
	"github.com/mannmitra/rewards/middleware"
	"github.com/mannmitra/rewards/models"
	"github.com/mannmitra/rewards/utils"
)

const testSecret = "test-secret"

func TestMain(m *testing.M) {
	os.Setenv("JWT_SECRET", testSecret)
	cfg := config.Load()
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// newTestRouter wires AuthRequired plus the progress routes against an
// in-memory database. Rate limiting and the daily-active recorder are left
// out; they have no bearing on handler behaviour.
func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.UserProgress{}))

	svc := ledger.New(db, config.Get())
	pc := controllers.NewProgressController(svc)

	r := gin.New()
	g := r.Group("/api/v1", middleware.AuthRequired())
	g.GET("/progress", pc.GetProgress)
	g.GET("/progress/history", pc.GetHistory)
	g.POST("/progress/activity", pc.RewardActivity)
	g.POST("/progress/complete", pc.CompleteActivity)
	g.POST("/progress/redeem", pc.Redeem)
	g.POST("/progress/subscription", pc.SetSubscription)
	return r
}

func mintToken(t *testing.T, userID uint) string {
	t.Helper()
	claims := utils.Claims{
		UserID:   userID,
		Username: "tester",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestProgressRequiresAuth(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/progress", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/progress", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetProgressCreatesRecord(t *testing.T) {
	r := newTestRouter(t)
	token := mintToken(t, 7)

	w := doJSON(t, r, http.MethodGet, "/api/v1/progress", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	env := decodeEnvelope(t, w)
	assert.Equal(t, 0, env.Code)

	var rec models.UserProgress
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, uint(7), rec.UserID)
	assert.Equal(t, 1, rec.CurrentStreak, "first visit starts the streak")
	assert.Equal(t, 0, rec.Coins, "free tier logins earn nothing")
}

func TestRewardActivityEndpoint(t *testing.T) {
	r := newTestRouter(t)
	token := mintToken(t, 7)

	// upgrade so accrual applies
	w := doJSON(t, r, http.MethodPost, "/api/v1/progress/subscription", token, gin.H{"tier": "premium"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/progress/activity", token, gin.H{"category": "diary"})
	require.Equal(t, http.StatusOK, w.Code)

	var data struct {
		Applied  int                 `json:"applied"`
		Progress models.UserProgress `json:"progress"`
	}
	env := decodeEnvelope(t, w)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 5, data.Applied)
	assert.Equal(t, 5, data.Progress.Coins)
}

func TestRewardActivityUnknownCategory(t *testing.T) {
	r := newTestRouter(t)
	token := mintToken(t, 7)

	w := doJSON(t, r, http.MethodPost, "/api/v1/progress/activity", token, gin.H{"category": "gardening"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, 40041, env.Code)
}

func TestRewardActivityMissingBody(t *testing.T) {
	r := newTestRouter(t)
	token := mintToken(t, 7)

	w := doJSON(t, r, http.MethodPost, "/api/v1/progress/activity", token, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, 40040, env.Code)
}

func TestCompleteEndpointIdempotent(t *testing.T) {
	r := newTestRouter(t)
	token := mintToken(t, 7)

	body := gin.H{"activity_id": "c1", "reward_amount": 10, "description": "Class Completed: Morning Flow"}

	w := doJSON(t, r, http.MethodPost, "/api/v1/progress/complete", token, body)
	require.Equal(t, http.StatusOK, w.Code)
	var data struct {
		Status string `json:"status"`
	}
	env := decodeEnvelope(t, w)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, string(models.CompletionCompleted), data.Status)

	w = doJSON(t, r, http.MethodPost, "/api/v1/progress/complete", token, body)
	require.Equal(t, http.StatusOK, w.Code)
	env = decodeEnvelope(t, w)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, string(models.CompletionAlreadyCompleted), data.Status)
}

func TestRedeemEndpointInsufficientIsStill200(t *testing.T) {
	r := newTestRouter(t)
	token := mintToken(t, 7)

	w := doJSON(t, r, http.MethodPost, "/api/v1/progress/redeem", token,
		gin.H{"item_id": "r_pen", "cost": 150, "item_name": "Fancy Pen"})
	require.Equal(t, http.StatusOK, w.Code)

	var data struct {
		Status   string              `json:"status"`
		Progress models.UserProgress `json:"progress"`
	}
	env := decodeEnvelope(t, w)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, string(models.RedeemInsufficientBalance), data.Status)
	assert.Equal(t, 0, data.Progress.Coins)
}

func TestSetSubscriptionRejectsUnknownTier(t *testing.T) {
	r := newTestRouter(t)
	token := mintToken(t, 7)

	w := doJSON(t, r, http.MethodPost, "/api/v1/progress/subscription", token, gin.H{"tier": "platinum"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, 40043, env.Code)
}

func TestHistoryEndpointNewestFirst(t *testing.T) {
	r := newTestRouter(t)
	token := mintToken(t, 7)

	for i := 0; i < 3; i++ {
		w := doJSON(t, r, http.MethodPost, "/api/v1/progress/complete", token,
			gin.H{"activity_id": fmt.Sprintf("c%d", i), "reward_amount": 0, "description": fmt.Sprintf("Class %d", i)})
		require.Equal(t, http.StatusOK, w.Code)
	}

	// free tier: completions recorded, no coins, so history stays empty
	w := doJSON(t, r, http.MethodGet, "/api/v1/progress/history", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var data struct {
		History []models.HistoryEntry `json:"history"`
	}
	env := decodeEnvelope(t, w)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Empty(t, data.History)

	// upgrade and earn, then the entry shows up newest first
	w = doJSON(t, r, http.MethodPost, "/api/v1/progress/subscription", token, gin.H{"tier": "premium"})
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodPost, "/api/v1/progress/complete", token,
		gin.H{"activity_id": "c-new", "reward_amount": 10, "description": "Class Completed: Deep Rest"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/progress/history", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	env = decodeEnvelope(t, w)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.History, 1)
	assert.Equal(t, "Class Completed: Deep Rest", data.History[0].Description)
	assert.Equal(t, models.HistoryEarned, data.History[0].Kind)
}
