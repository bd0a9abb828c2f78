package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editalflow/api/internal/client"
	"github.com/editalflow/api/internal/governor"
	"github.com/editalflow/api/internal/middleware"
	"github.com/editalflow/api/internal/model"
	"github.com/editalflow/api/internal/quota"
	"github.com/editalflow/api/internal/sink"
	"github.com/editalflow/api/internal/store"
	"github.com/editalflow/api/pkg/response"
)

type nopDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *nopDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

type testEnv struct {
	app     *fiber.App
	store   *store.Memory
	sink    *sink.Sink
	objects *client.LocalStore
}

func newTestEnv(t *testing.T, dailyLimit, queueLimit int) *testEnv {
	t.Helper()
	objects, err := client.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	s := store.NewMemory()
	results := sink.New(objects, "results", nil)
	gov := governor.New(s, quota.NewMemory(dailyLimit, time.UTC), &nopDispatcher{}, results, objects,
		governor.Config{QueueLimit: queueLimit}, nil)

	app := NewApp(Deps{
		Governor:    gov,
		Auth:        middleware.GatewayIdentity(),
		MaxFileSize: 1024 * 1024,
	})
	return &testEnv{app: app, store: s, sink: results, objects: objects}
}

func uploadRequest(t *testing.T, owner, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/editais", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-User-Id", owner)
	return req
}

func jsonRequest(method, path, owner string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", owner)
	return req
}

func do(t *testing.T, app *fiber.App, req *http.Request, out any) int {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF")

func TestSubmit_UploadAndDuplicate(t *testing.T) {
	env := newTestEnv(t, 10, 100)

	var accepted model.SubmitResponse
	status := do(t, env.app, uploadRequest(t, "owner-1", "edital.pdf", pdfBytes, map[string]string{
		"uasg":        "153080",
		"callbackUrl": "https://hooks.example.com/editais",
	}), &accepted)
	require.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, model.JobStatusQueued, accepted.Status)

	job, err := env.store.Get(context.Background(), accepted.JobID)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", job.Owner)
	assert.Equal(t, "153080", job.Metadata.UASG)
	assert.Len(t, job.Document.SHA256, 64)
	stored, err := env.objects.Get(context.Background(), job.Document.URI)
	require.NoError(t, err)
	assert.Equal(t, pdfBytes, stored)

	var conflict response.ErrorResponse
	status = do(t, env.app, uploadRequest(t, "owner-1", "copia.pdf", pdfBytes, nil), &conflict)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, response.CodeAlreadyInProgress, conflict.Error.Code)
	assert.Equal(t, accepted.JobID, conflict.Error.Details.(map[string]any)["jobId"])
}

func TestSubmit_RejectsBadUploads(t *testing.T) {
	env := newTestEnv(t, 10, 100)

	var errResp response.ErrorResponse
	status := do(t, env.app, uploadRequest(t, "owner-1", "planilha.xlsx", []byte("PK"), nil), &errResp)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status = do(t, env.app, uploadRequest(t, "owner-1", "edital.pdf", pdfBytes, map[string]string{
		"callbackUrl": "not a url",
	}), &errResp)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "url", errResp.Error.Details.(map[string]any)["CallbackURL"])

	big := append([]byte("%PDF-"), bytes.Repeat([]byte("x"), 1024*1024+10)...)
	status = do(t, env.app, uploadRequest(t, "owner-1", "grande.pdf", big, nil), &errResp)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, status)

	req := uploadRequest(t, "", "edital.pdf", pdfBytes, nil)
	req.Header.Del("X-User-Id")
	status = do(t, env.app, req, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestSubmit_DocumentReference(t *testing.T) {
	env := newTestEnv(t, 10, 100)

	var accepted model.SubmitResponse
	status := do(t, env.app, jsonRequest(http.MethodPost, "/api/editais", "owner-1", model.SubmitRequest{
		DocumentURI: "inbox/2024/pe-12.pdf",
		Metadata:    model.SubmitMetadata{PregaoNumber: "12/2024"},
	}), &accepted)
	require.Equal(t, fiber.StatusAccepted, status)

	job, err := env.store.Get(context.Background(), accepted.JobID)
	require.NoError(t, err)
	assert.Equal(t, "pe-12.pdf", job.Document.Filename)
	assert.Equal(t, "owner-1|uri:inbox/2024/pe-12.pdf", job.DedupeKey)

	status = do(t, env.app, jsonRequest(http.MethodPost, "/api/editais", "owner-1", map[string]string{}), nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestSubmit_AdmissionRejections(t *testing.T) {
	env := newTestEnv(t, 1, 100)
	submit := func(uri string) (int, response.ErrorResponse) {
		var out response.ErrorResponse
		status := do(t, env.app, jsonRequest(http.MethodPost, "/api/editais", "owner-1", model.SubmitRequest{DocumentURI: uri}), &out)
		return status, out
	}

	status, _ := submit("a.pdf")
	require.Equal(t, fiber.StatusAccepted, status)
	status, body := submit("b.pdf")
	assert.Equal(t, fiber.StatusTooManyRequests, status)
	assert.Equal(t, response.CodeQuotaExceeded, body.Error.Code)

	env = newTestEnv(t, 10, 1)
	status, _ = submit("a.pdf")
	require.Equal(t, fiber.StatusAccepted, status)
	status, body = submit("b.pdf")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, response.CodeQueueFull, body.Error.Code)
}

func TestJobEndpoints(t *testing.T) {
	env := newTestEnv(t, 10, 100)
	ctx := context.Background()

	var accepted model.SubmitResponse
	require.Equal(t, fiber.StatusAccepted, do(t, env.app, jsonRequest(http.MethodPost, "/api/editais", "owner-1",
		model.SubmitRequest{DocumentURI: "x.pdf"}), &accepted))
	base := "/api/editais/" + accepted.JobID

	var view model.JobStatusView
	assert.Equal(t, fiber.StatusOK, do(t, env.app, jsonRequest(http.MethodGet, base+"/status", "owner-1", nil), &view))
	assert.Equal(t, model.JobStatusQueued, view.Status)

	// Other owners cannot see the job.
	assert.Equal(t, fiber.StatusNotFound, do(t, env.app, jsonRequest(http.MethodGet, base+"/status", "owner-2", nil), nil))
	assert.Equal(t, fiber.StatusNotFound, do(t, env.app, jsonRequest(http.MethodGet, "/api/editais/nope/status", "owner-1", nil), nil))

	var errResp response.ErrorResponse
	assert.Equal(t, fiber.StatusConflict, do(t, env.app, jsonRequest(http.MethodGet, base+"/result", "owner-1", nil), &errResp))
	assert.Equal(t, response.CodeResultNotReady, errResp.Error.Code)

	assert.Equal(t, fiber.StatusConflict, do(t, env.app, jsonRequest(http.MethodPost, base+"/reprocess", "owner-1", nil), nil))

	job, err := env.store.Get(ctx, accepted.JobID)
	require.NoError(t, err)
	ref, err := env.sink.Persist(ctx, job, &model.Artifact{JobID: job.ID, QualityScore: 77})
	require.NoError(t, err)
	_, err = env.store.Update(ctx, job.ID, func(j *model.Job) error {
		j.Status = model.JobStatusSucceeded
		j.Progress = 100
		j.ResultRef = ref
		return nil
	})
	require.NoError(t, err)

	var artifact model.Artifact
	assert.Equal(t, fiber.StatusOK, do(t, env.app, jsonRequest(http.MethodGet, base+"/result", "owner-1", nil), &artifact))
	assert.Equal(t, 77.0, artifact.QualityScore)

	// No tables were found, so there is no workbook.
	assert.Equal(t, fiber.StatusNotFound, do(t, env.app, jsonRequest(http.MethodGet, base+"/tables", "owner-1", nil), nil))

	assert.Equal(t, fiber.StatusConflict, do(t, env.app, jsonRequest(http.MethodPost, base+"/cancel", "owner-1", nil), &errResp))
	assert.Equal(t, response.CodeNotCancellable, errResp.Error.Code)
}

func TestTablesDownload(t *testing.T) {
	env := newTestEnv(t, 10, 100)
	ctx := context.Background()

	var accepted model.SubmitResponse
	require.Equal(t, fiber.StatusAccepted, do(t, env.app, jsonRequest(http.MethodPost, "/api/editais", "owner-1",
		model.SubmitRequest{DocumentURI: "z.pdf"}), &accepted))
	base := "/api/editais/" + accepted.JobID

	assert.Equal(t, fiber.StatusConflict, do(t, env.app, jsonRequest(http.MethodGet, base+"/tables", "owner-1", nil), nil))

	job, err := env.store.Get(ctx, accepted.JobID)
	require.NoError(t, err)
	ref, err := env.sink.Persist(ctx, job, &model.Artifact{
		JobID:  job.ID,
		Tables: []model.Table{{ID: "table_1", Headers: []string{"Item"}, Data: [][]string{{"1"}}}},
	})
	require.NoError(t, err)
	_, err = env.store.Update(ctx, job.ID, func(j *model.Job) error {
		j.Status = model.JobStatusSucceeded
		j.ResultRef = ref
		return nil
	})
	require.NoError(t, err)

	resp, err := env.app.Test(jsonRequest(http.MethodGet, base+"/tables", "owner-1", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, xlsxContentType, resp.Header.Get(fiber.HeaderContentType))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte("PK")))
}

func TestCancelAndReprocess(t *testing.T) {
	env := newTestEnv(t, 10, 100)
	ctx := context.Background()

	var accepted model.SubmitResponse
	require.Equal(t, fiber.StatusAccepted, do(t, env.app, jsonRequest(http.MethodPost, "/api/editais", "owner-1",
		model.SubmitRequest{DocumentURI: "y.pdf"}), &accepted))

	var cancelled model.CancelResponse
	assert.Equal(t, fiber.StatusOK, do(t, env.app, jsonRequest(http.MethodPost, "/api/editais/"+accepted.JobID+"/cancel", "owner-1", nil), &cancelled))
	assert.Equal(t, model.JobStatusCancelled, cancelled.Status)

	_, err := env.store.Update(ctx, accepted.JobID, func(j *model.Job) error {
		j.Status = model.JobStatusFailed
		return nil
	})
	require.NoError(t, err)

	var reprocessed model.ReprocessResponse
	assert.Equal(t, fiber.StatusAccepted, do(t, env.app, jsonRequest(http.MethodPost, "/api/editais/"+accepted.JobID+"/reprocess", "owner-1", nil), &reprocessed))
	assert.Equal(t, accepted.JobID, reprocessed.ReprocessOf)
	assert.NotEqual(t, accepted.JobID, reprocessed.JobID)
}

func TestHealthAndWebsocketGuard(t *testing.T) {
	env := newTestEnv(t, 10, 100)

	var health map[string]any
	assert.Equal(t, fiber.StatusOK, do(t, env.app, httptest.NewRequest(http.MethodGet, "/health", nil), &health))
	assert.Equal(t, "ok", health["status"])

	// Without a hub the progress route is not mounted.
	req := httptest.NewRequest(http.MethodGet, "/ws/jobs/abc", strings.NewReader(""))
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
