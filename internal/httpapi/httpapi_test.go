package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmux/fleetmux/internal/agentproc"
	"github.com/fleetmux/fleetmux/internal/compound"
	"github.com/fleetmux/fleetmux/internal/config"
	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/gitexec"
	"github.com/fleetmux/fleetmux/internal/hub"
	"github.com/fleetmux/fleetmux/internal/spawnqueue"
	"github.com/fleetmux/fleetmux/internal/store"
	"github.com/fleetmux/fleetmux/internal/supervisor"
	"github.com/fleetmux/fleetmux/internal/swarm"
)

type fixture struct {
	router *gin.Engine
	store  *store.Store
	hub    *hub.Hub
	sup    *supervisor.Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.DiscardHandler)
	h := hub.New(log)
	t.Cleanup(h.Close)

	launcher := agentproc.NewNativeLauncher()
	git := gitexec.NewFake("main")
	cfg := config.Config{MaxDepth: 3, MaxFleet: 25, MaxRestarts: 3, DismissGraceMS: 100}
	sup := supervisor.New(cfg, log, st, h, git, map[store.SpawnMode]agentproc.Launcher{
		store.SpawnModeNative: launcher,
	}, nil)
	swarms := swarm.New(log, st, h, nil)
	swarms.SetDismisser(func(ctx context.Context, handle string) error {
		_, err := sup.Dismiss(ctx, "", handle)
		return err
	})
	queue := spawnqueue.New(cfg, log, st, h, sup, nil)
	runs := compound.New(log, h, sup, swarms, git, compound.NewExecRunner(), nil)

	srv := New(cfg, log, st, h, sup, queue, swarms, runs)
	return &fixture{router: srv.Router(), store: st, hub: h, sup: sup}
}

// do performs one request against the router. A non-empty token is sent
// as a bearer credential; a nil body sends no payload.
func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
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
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])
}

func TestWorkerLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/workers", "", gin.H{
		"handle":     "builder-1",
		"role":       "worker",
		"workingDir": t.TempDir(),
		"spawnMode":  "native",
		"noWorktree": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	assert.Equal(t, "builder-1", created["handle"])

	rec = f.do(t, http.MethodGet, "/api/workers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/workers/builder-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/workers/builder-1/input", "", gin.H{"message": "status?"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/broadcast", "", gin.H{"message": "wrap up"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["delivered"])

	rec = f.do(t, http.MethodDelete, "/api/workers/builder-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["dismissed"])
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/workers/ghost", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["err"])
	assert.Equal(t, "not_found", body["kind"])
	assert.NotEmpty(t, body["message"])

	// Unknown role fails domain validation, not body binding.
	rec = f.do(t, http.MethodPost, "/api/workers", "", gin.H{
		"handle": "x-1", "role": "wizard", "spawnMode": "native",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Missing required fields fail binding.
	rec = f.do(t, http.MethodPost, "/api/workers", "", gin.H{"role": "worker"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/workers", "bogus-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	req.Header.Set("Authorization", "Basic dXNlcg==")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAgentTokenAttributesCaller(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/agents", "", gin.H{
		"teamName": "platform", "handle": "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token, _ := decode(t, rec)["token"].(string)
	require.NotEmpty(t, token)

	rec = f.do(t, http.MethodPost, "/api/swarms", "", gin.H{"name": "hive"})
	require.Equal(t, http.StatusCreated, rec.Code)
	swarmID, _ := decode(t, rec)["id"].(string)
	require.NotEmpty(t, swarmID)

	rec = f.do(t, http.MethodPost, "/api/swarms/"+swarmID+"/messages", token, gin.H{
		"messageType": "status",
		"payload":     gin.H{"note": "scanning"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", decode(t, rec)["senderHandle"])

	// Tokens are minted once and never listed.
	rec = f.do(t, http.MethodGet, "/api/agents?teamName=platform", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), token)
}

func TestSpawnQueueFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/workers", "", gin.H{
		"handle": "coord-1", "role": "coordinator", "workingDir": t.TempDir(),
		"spawnMode": "native", "noWorktree": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/agents", "", gin.H{
		"teamName": "platform", "handle": "coord-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	token, _ := decode(t, rec)["token"].(string)

	rec = f.do(t, http.MethodPost, "/api/spawn-queue", token, gin.H{
		"targetAgentType": "scout",
		"priority":        "high",
		"payload":         gin.H{"task": "map the repo"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	item := decode(t, rec)
	assert.Equal(t, "pending", item["status"])
	itemID, _ := item["id"].(string)

	rec = f.do(t, http.MethodGet, "/api/spawn-queue?status=pending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	// Only the requester may cancel.
	rec = f.do(t, http.MethodDelete, "/api/spawn-queue/"+itemID+"?requester=somebody-else", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/spawn-queue/"+itemID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// An enqueue without a live worker behind the caller is refused.
	rec = f.do(t, http.MethodPost, "/api/spawn-queue", "", gin.H{
		"targetAgentType": "scout", "payload": gin.H{"task": "x"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpointHandoff(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/checkpoints", "", gin.H{
		"toHandle": "bob",
		"body": gin.H{
			"goal": "migrate the parser",
			"now":  "tests green, docs pending",
			"next": []string{"write docs"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cpID, _ := decode(t, rec)["id"].(string)
	require.NotEmpty(t, cpID)

	rec = f.do(t, http.MethodGet, "/api/checkpoints?toHandle=bob&status=pending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = f.do(t, http.MethodPost, "/api/checkpoints/"+cpID+"/respond", "", gin.H{"accept": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", decode(t, rec)["status"])
}

func TestCreditOverdraftMapsTo402(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/swarms", "", gin.H{"name": "hive"})
	require.Equal(t, http.StatusCreated, rec.Code)
	swarmID, _ := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/swarms/"+swarmID+"/credits/alice/transactions", "", gin.H{
		"type": "spend", "amount": 1e9, "reason": "impossible purchase",
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	assert.Equal(t, "insufficient_balance", decode(t, rec)["kind"])
}

func TestSwarmIntelligenceEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/swarms", "", gin.H{"name": "hive"})
	require.Equal(t, http.StatusCreated, rec.Code)
	swarmID, _ := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/swarms/"+swarmID+"/pheromones", "", gin.H{
		"resourceId": "internal/store", "trailType": "progress", "intensity": 0.8,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/swarms/"+swarmID+"/pheromones?trailType=progress", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = f.do(t, http.MethodPost, "/api/swarms/"+swarmID+"/beliefs", "", gin.H{
		"subject": "flaky-test", "value": "caused by clock skew", "confidence": 0.7,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/swarms/"+swarmID+"/consensus?subject=flaky-test", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/swarms/"+swarmID+"/proposals", "", gin.H{
		"topic":   "merge strategy",
		"options": []string{"rebase", "merge"},
		"method":  "majority",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	proposalID, _ := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/proposals/"+proposalID+"/votes", "", gin.H{"value": "rebase"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/proposals/"+proposalID+"/close", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "rebase", decode(t, rec)["winner"])
}

func TestFleetSnapshotAndLineage(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/swarms", "", gin.H{"name": "hive"})
	require.Equal(t, http.StatusCreated, rec.Code)
	swarmID, _ := decode(t, rec)["id"].(string)

	for _, handle := range []string{"digger-1", "digger-2"} {
		rec = f.do(t, http.MethodPost, "/api/workers", "", gin.H{
			"handle": handle, "role": "worker", "workingDir": t.TempDir(),
			"spawnMode": "native", "swarmId": swarmID, "noWorktree": true,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/fleet/snapshot", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode(t, rec)
	assert.EqualValues(t, 2, snap["liveWorkers"])

	rec = f.do(t, http.MethodGet, "/api/fleet/lineage?swarmId="+swarmID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lineage struct {
		Swarms []struct {
			SwarmID string `json:"swarmId"`
			Tiers   []struct {
				Depth   int `json:"depth"`
				Workers []struct {
					Handle string `json:"handle"`
				} `json:"workers"`
			} `json:"tiers"`
		} `json:"swarms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lineage))
	require.Len(t, lineage.Swarms, 1)
	require.Len(t, lineage.Swarms[0].Tiers, 1)
	assert.Len(t, lineage.Swarms[0].Tiers[0].Workers, 2)
}

func TestKillSwarmDismissesItsWorkers(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/swarms", "", gin.H{"name": "hive"})
	require.Equal(t, http.StatusCreated, rec.Code)
	swarmID, _ := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/workers", "", gin.H{
		"handle": "digger-1", "role": "worker", "workingDir": t.TempDir(),
		"spawnMode": "native", "swarmId": swarmID, "noWorktree": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodDelete, "/api/swarms/"+swarmID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/workers/digger-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dismissed", decode(t, rec)["state"])

	rec = f.do(t, http.MethodGet, "/api/swarms/"+swarmID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Killing again reports the swarm gone.
	rec = f.do(t, http.MethodDelete, "/api/swarms/"+swarmID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWSEventStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws/events?subjects=swarm/x9"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server a moment to register the subscription.
	time.Sleep(50 * time.Millisecond)

	f.hub.Publish(event.New(event.TypeSwarmMessage, event.SubjectSwarm("x9"),
		time.Now().UnixMilli(), event.SwarmMessagePayload{MessageID: "m1", SwarmID: "x9"}))
	// A non-matching subject must not reach this subscriber.
	f.hub.Publish(event.New(event.TypeSwarmMessage, event.SubjectSwarm("other"),
		time.Now().UnixMilli(), event.SwarmMessagePayload{MessageID: "m2", SwarmID: "other"}))
	f.hub.Publish(event.New(event.TypeSwarmMessage, event.SubjectSwarm("x9"),
		time.Now().UnixMilli(), event.SwarmMessagePayload{MessageID: "m3", SwarmID: "x9"}))

	var got []string
	for len(got) < 2 {
		var ev event.Event
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		var payload event.SwarmMessagePayload
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		got = append(got, payload.MessageID)
	}
	assert.Equal(t, []string{"m1", "m3"}, got)
}
