package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitacora/internal/config"
	"bitacora/internal/db"
	"bitacora/internal/engine"
	"bitacora/internal/migrate"
)

const (
	testProject = "obra-68"
	testSecret  = "test-secret"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	cfg := config.Default(testProject)
	e := engine.New(conn, cfg, nil)
	_, err = e.InitProject(ctx, testProject, "Avenida 68", "")
	require.NoError(t, err)
	for _, u := range []engine.CreateUserOptions{
		{ID: "admin", FullName: "Site Admin", ProjectRole: "director", AppRole: "admin", Entity: "IDU", Password: "admin-secret"},
		{ID: "ana", FullName: "Ana Resident", ProjectRole: "resident", Entity: "interventoria", Password: "ana-secret-1"},
		{ID: "ivan", FullName: "Ivan Interventor", ProjectRole: "interventor", Entity: "INTERVENTORIA", Password: "ivan-secret-1"},
		{ID: "carla", FullName: "Carla Contractor", ProjectRole: "contractor_rep", Entity: "contratista"},
		{ID: "victor", FullName: "Victor Viewer", ProjectRole: "supervisor", AppRole: "visor", Entity: "IDU"},
	} {
		u.ActorID = "admin"
		_, err := e.CreateUser(ctx, u)
		require.NoError(t, err, u.ID)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour, AllowLegacyActorHeader: true},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func as(user string) map[string]string {
	return map[string]string{"X-Actor-Id": user}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (s *testServer) entriesURL() string {
	return s.URL + "/v0/projects/" + testProject + "/entries"
}

func (s *testServer) createEntry(t *testing.T, author string, body map[string]any) EntryResponse {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.entriesURL(), body, as(author))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[EntryResponse](t, data)
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "unauthorized", env.Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decode[errorEnvelope](t, data).Error.Code)
}

func TestLoginAndMe(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{"user_id": "ana", "password": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{"user_id": "ana", "password": "ana-secret-1"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	login := decode[LoginResponse](t, data)
	require.NotEmpty(t, login.Token)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[MeResponse](t, data)
	assert.Equal(t, "ana", me.User.ID)
	assert.Equal(t, "INTERVENTORIA", string(me.User.Entity))
	assert.True(t, me.Capabilities.CanSign)
	assert.False(t, me.Capabilities.IsAdmin)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, as("victor"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	viewer := decode[MeResponse](t, data)
	assert.False(t, viewer.Capabilities.CanEditContent)
	assert.False(t, viewer.Capabilities.CanSign)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/ivan/api-keys", map[string]any{"name": "tablet"}, as("ana"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/ivan/api-keys", map[string]any{"name": "tablet"}, as("ivan"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	key := decode[struct {
		Key string `json:"key"`
	}](t, data)
	require.NotEmpty(t, key.Key)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "ivan", decode[MeResponse](t, data).User.ID)
}

func TestEntryWorkflowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	entry := srv.createEntry(t, "ana", map[string]any{
		"title":       "Excavation, axis 4",
		"body":        "Excavated 120 m3.",
		"entry_date":  "2026-03-02",
		"signatories": []string{"ivan", "carla"},
	})
	assert.Equal(t, "DRAFT", entry.Status)
	base := srv.entriesURL() + "/" + entry.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/approve", nil, as("admin"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "invalid_transition", env.Error.Code)
	assert.Equal(t, "DRAFT", env.Error.Details["from"])

	res, data = doJSON(t, client, http.MethodPost, base+"/review-requests", map[string]any{"policy": "parallel"}, as("ana"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	submitted := decode[EntryResponse](t, data)
	assert.Equal(t, "SUBMITTED", submitted.Status)
	require.NotNil(t, submitted.Review)
	assert.Len(t, submitted.Review.Tasks, 2)

	res, data = doJSON(t, client, http.MethodPost, base+"/review-actions", map[string]any{"verdict": "approve"}, as("ivan"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, base+"/review-actions", map[string]any{"verdict": "approve"}, as("carla"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	reviewed := decode[EntryResponse](t, data)
	assert.Equal(t, "NEEDS_REVIEW", reviewed.Status)
	assert.True(t, reviewed.Review.Satisfied)

	res, data = doJSON(t, client, http.MethodPost, base+"/approve", nil, as("victor"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, base+"/approve", nil, as("admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	approved := decode[EntryResponse](t, data)
	assert.Equal(t, "APPROVED", approved.Status)
	assert.Equal(t, 2, approved.SignatureSummary.Pending)

	res, data = doJSON(t, client, http.MethodPost, base+"/signatures", map[string]any{"consent": false}, as("ivan"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "invalid_consent", decode[errorEnvelope](t, data).Error.Code)

	for _, signer := range []string{"ivan", "carla"} {
		res, data = doJSON(t, client, http.MethodPost, base+"/signatures", map[string]any{"consent": true}, as(signer))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	signed := decode[EntryResponse](t, data)
	assert.Equal(t, "SIGNED", signed.Status)
	assert.True(t, signed.SignatureSummary.Completed)
	assert.Len(t, signed.Signatures, 2)

	res, data = doJSON(t, client, http.MethodPost, base+"/signatures", map[string]any{"consent": true}, as("ivan"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[EntryResponse](t, data).Replayed)

	res, data = doJSON(t, client, http.MethodGet, base+"/signature-summary", nil, as("victor"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"total":2,"signed":2,"pending":0,"completed":true}`, string(data))

	res, data = doJSON(t, client, http.MethodDelete, base, nil, as("admin"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/events?entity_kind=entry&limit=3", nil, as("admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "entry.signed", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/events?entity_kind=entry&limit=50&cursor="+page.NextCursor, nil, as("admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rest := decode[paginatedEvents](t, data)
	assert.Empty(t, rest.NextCursor)
	assert.Equal(t, "entry.created", rest.Items[len(rest.Items)-1].Type)
}

func TestApproveBeforeReviewCompletes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	entry := srv.createEntry(t, "ana", map[string]any{"title": "Rebar inspection", "signatories": []string{"ivan", "carla"}})
	base := srv.entriesURL() + "/" + entry.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/review-requests", map[string]any{}, as("ana"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, base+"/review-actions", map[string]any{"verdict": "comment", "comment": "Check stirrup spacing"}, as("ivan"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "SUBMITTED", decode[EntryResponse](t, data).Status)

	res, data = doJSON(t, client, http.MethodPost, base+"/reject", map[string]any{"reason": ""}, as("ivan"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, base+"/reject", map[string]any{"reason": "Missing photos"}, as("carla"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rejected := decode[EntryResponse](t, data)
	assert.Equal(t, "DRAFT", rejected.Status)
	assert.Empty(t, rejected.SignatureTasks)
}

func TestConfidentialEntryIsRedacted(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	entry := srv.createEntry(t, "ana", map[string]any{
		"title":           "Incident near gate 3",
		"body":            "Worker injured, first aid applied.",
		"location":        "Gate 3",
		"is_confidential": true,
		"signatories":     []string{"ivan"},
	})
	base := srv.entriesURL() + "/" + entry.ID

	res, data := doJSON(t, client, http.MethodGet, base, nil, as("ivan"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	visible := decode[EntryResponse](t, data)
	assert.False(t, visible.Redacted)
	require.NotNil(t, visible.Body)
	assert.Equal(t, "Worker injured, first aid applied.", *visible.Body)

	res, data = doJSON(t, client, http.MethodGet, base, nil, as("carla"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	hidden := decode[EntryResponse](t, data)
	assert.True(t, hidden.Redacted)
	assert.Nil(t, hidden.Body)
	assert.Nil(t, hidden.Location)
	assert.Equal(t, "Incident near gate 3", hidden.Title)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/other/entries/"+entry.ID, nil, as("ivan"))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestUserManagement(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	newUser := map[string]any{
		"id": "olga", "full_name": "Olga Observer", "project_role": "observer", "entity": "Instituto de Desarrollo Urbano",
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", newUser, as("ana"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", newUser, as("admin"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	assert.Contains(t, string(data), `"entity":"IDU"`)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users", nil, as("ana"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[paginatedUsers](t, data).Items, 6)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{
		"id": "x", "full_name": "X", "project_role": "resident", "entity": "ACME",
	}, as("admin"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/projects/{project_id}/entries/{id}/signatures")
	assert.Contains(t, paths, "/v0/auth/login")
}
