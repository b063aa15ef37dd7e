package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/database"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/syncsession"
	"github.com/automerge/automerge-go"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	testActor        = "user-alpha"
	expiredTokenName = "expired"
)

// stubValidator treats the bearer token as the user id.
type stubValidator struct{}

func (stubValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	switch token {
	case "":
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	case expiredTokenName:
		return auth.SessionClaims{}, auth.ErrExpiredSessionToken
	default:
		return auth.SessionClaims{UserID: token}, nil
	}
}

type stubActors struct {
	err error
}

func (s stubActors) ResolveActor(_ context.Context, claims auth.SessionClaims) (documents.ActorID, error) {
	if s.err != nil {
		return "", s.err
	}
	return documents.ActorID(claims.UserID), nil
}

type testAPI struct {
	handler http.Handler
	store   *documents.Store
}

func newTestAPI(testContext *testing.T, configure ...func(*Dependencies)) testAPI {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Config{Driver: database.DriverSQLite, DSN: filepath.Join(testContext.TempDir(), "api.db")})
	if err != nil {
		testContext.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("sql db: %v", err)
	}
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	registry := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(registry)
	if err != nil {
		testContext.Fatalf("metrics: %v", err)
	}
	repository, err := documents.NewGormRepository(documents.GormRepositoryConfig{Database: db})
	if err != nil {
		testContext.Fatalf("repository: %v", err)
	}
	store, err := documents.NewStore(documents.StoreConfig{Repository: repository, Metrics: collector})
	if err != nil {
		testContext.Fatalf("store: %v", err)
	}
	testContext.Cleanup(store.Close)
	manager, err := syncsession.NewManager(syncsession.ManagerConfig{Store: store, Metrics: collector, WriteTimeout: time.Second})
	if err != nil {
		testContext.Fatalf("manager: %v", err)
	}

	deps := Dependencies{
		Store:     store,
		Sessions:  manager,
		Validator: stubValidator{},
		Actors:    stubActors{},
		Gatherer:  registry,
		Logger:    zap.NewNop(),
	}
	for _, apply := range configure {
		apply(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		testContext.Fatalf("handler: %v", err)
	}
	return testAPI{handler: handler, store: store}
}

func (api testAPI) do(testContext *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	testContext.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			testContext.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+testActor)
	recorder := httptest.NewRecorder()
	api.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(testContext *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	testContext.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func expectStatus(testContext *testing.T, recorder *httptest.ResponseRecorder, want int) map[string]any {
	testContext.Helper()
	if recorder.Code != want {
		testContext.Fatalf("unexpected status: got %d want %d, body %s", recorder.Code, want, recorder.Body.String())
	}
	return decodeBody(testContext, recorder)
}

func mustCreate(testContext *testing.T, api testAPI, collectionPath, documentID, title string) {
	testContext.Helper()
	recorder := api.do(testContext, http.MethodPost, collectionPath, map[string]any{"id": documentID, "title": title})
	payload := expectStatus(testContext, recorder, http.StatusCreated)
	if payload["documentId"] != documentID {
		testContext.Fatalf("unexpected document id %v", payload["documentId"])
	}
}

// mustClientInsert builds a client-side edit of a flow document's content against the
// server's current snapshot.
func mustClientInsert(testContext *testing.T, api testAPI, documentID, text string) []byte {
	testContext.Helper()
	recorder := api.do(testContext, http.MethodGet, "/documents/"+documentID+"?alt=media", nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("snapshot fetch failed: %d", recorder.Code)
	}
	doc, err := automerge.Load(recorder.Body.Bytes())
	if err != nil {
		testContext.Fatalf("load snapshot: %v", err)
	}
	if err := doc.SetActorID("0c0c0c0c0c0c0c0c"); err != nil {
		testContext.Fatalf("set actor: %v", err)
	}
	before := doc.Heads()
	if err := doc.Path("document", "content").Text().Insert(0, text); err != nil {
		testContext.Fatalf("insert: %v", err)
	}
	if _, err := doc.Commit("client edit"); err != nil {
		testContext.Fatalf("commit: %v", err)
	}
	changes, err := doc.Changes(before...)
	if err != nil {
		testContext.Fatalf("changes: %v", err)
	}
	var update []byte
	for _, change := range changes {
		update = append(update, change.Save()...)
	}
	return update
}

func flowContent(testContext *testing.T, payload []byte) string {
	testContext.Helper()
	doc := automerge.New()
	if err := doc.LoadIncremental(payload); err != nil {
		testContext.Fatalf("load update: %v", err)
	}
	content, err := doc.Path("document", "content").Text().Get()
	if err != nil {
		testContext.Fatalf("read content: %v", err)
	}
	return content
}

func encodeUpdate(update []byte) string {
	return base64.StdEncoding.EncodeToString(update)
}
