package workers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/drovermedia/drover/internal/api/workers"
	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/registry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkerService struct {
	registerID  uuid.UUID
	registerErr error

	worker  *catalog.Worker
	workers []*catalog.Worker

	heartbeats []string
	offline    map[uuid.UUID]catalog.OfflineRequest
}

func (service *fakeWorkerService) Register(name string, kind catalog.WorkerKind, supportsVR bool) (uuid.UUID, error) {
	return service.registerID, service.registerErr
}

func (service *fakeWorkerService) Heartbeat(id uuid.UUID, name string) error {
	if service.worker == nil || service.worker.ID != id {
		return catalog.ErrWorkerNotFound
	}

	service.heartbeats = append(service.heartbeats, name)
	return nil
}

func (service *fakeWorkerService) RequestOffline(id uuid.UUID, mode catalog.OfflineRequest) error {
	if service.offline == nil {
		service.offline = make(map[uuid.UUID]catalog.OfflineRequest)
	}

	service.offline[id] = mode
	return nil
}

func (service *fakeWorkerService) CancelOffline(id uuid.UUID) error {
	delete(service.offline, id)
	return nil
}

func (service *fakeWorkerService) Worker(id uuid.UUID) (*catalog.Worker, error) {
	if service.worker == nil || service.worker.ID != id {
		return nil, catalog.ErrWorkerNotFound
	}

	return service.worker, nil
}

func (service *fakeWorkerService) Workers(limit int, offset int) ([]*catalog.Worker, error) {
	return service.workers, nil
}

func (service *fakeWorkerService) UpdateWorker(worker *catalog.Worker) error {
	service.worker = worker
	return nil
}

func (service *fakeWorkerService) DeleteWorker(id uuid.UUID) error {
	if service.worker == nil || service.worker.ID != id {
		return catalog.ErrWorkerNotFound
	}

	service.worker = nil
	return nil
}

func newWorkerServer(service workers.Service) *echo.Echo {
	ec := echo.New()
	workers.New(validator.New(), service).SetRoutes(ec.Group("/api/v1/workers"))

	return ec
}

func doJSON(ec *echo.Echo, method string, target string, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, nil)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}

	recorder := httptest.NewRecorder()
	ec.ServeHTTP(recorder, request)

	return recorder
}

func Test_RegisterWorker_Created(t *testing.T) {
	t.Parallel()

	service := &fakeWorkerService{registerID: uuid.New()}
	server := newWorkerServer(service)

	recorder := doJSON(server, http.MethodPost, "/api/v1/workers/",
		`{"worker_name":"encoder-1","worker_type":1,"support_vr":false}`)

	require.Equal(t, http.StatusCreated, recorder.Code)

	var envelope struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	assert.Equal(t, http.StatusCreated, envelope.Code)
	assert.Equal(t, service.registerID.String(), envelope.Data["worker_id"])
}

func Test_RegisterWorker_LiveNameConflicts(t *testing.T) {
	t.Parallel()

	service := &fakeWorkerService{registerErr: registry.ErrNameTaken}
	server := newWorkerServer(service)

	recorder := doJSON(server, http.MethodPost, "/api/v1/workers/",
		`{"worker_name":"encoder-1","worker_type":0,"support_vr":true}`)

	assert.Equal(t, http.StatusConflict, recorder.Code)
}

func Test_RegisterWorker_ValidationFailures(t *testing.T) {
	t.Parallel()

	service := &fakeWorkerService{registerID: uuid.New()}
	server := newWorkerServer(service)

	recorder := doJSON(server, http.MethodPost, "/api/v1/workers/", `{"worker_type":1}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code, "missing worker_name must be rejected")

	recorder = doJSON(server, http.MethodPost, "/api/v1/workers/", `{"worker_name":"x","worker_type":9}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code, "unknown worker_type code must be rejected")
}

func Test_Heartbeat_OkAndUnknownWorker(t *testing.T) {
	t.Parallel()

	worker := &catalog.Worker{ID: uuid.New(), Name: "encoder-1", LastHeartbeat: time.Now()}
	service := &fakeWorkerService{worker: worker}
	server := newWorkerServer(service)

	recorder := doJSON(server, http.MethodPost, "/api/v1/workers/heartbeat/",
		`{"worker_id":"`+worker.ID.String()+`","worker_name":"encoder-1"}`)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, []string{"encoder-1"}, service.heartbeats)

	recorder = doJSON(server, http.MethodPost, "/api/v1/workers/heartbeat/",
		`{"worker_id":"`+uuid.New().String()+`","worker_name":"encoder-1"}`)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func Test_OfflineRequest_Lifecycle(t *testing.T) {
	t.Parallel()

	worker := &catalog.Worker{ID: uuid.New(), Name: "encoder-1"}
	service := &fakeWorkerService{worker: worker}
	server := newWorkerServer(service)

	recorder := doJSON(server, http.MethodPost, "/api/v1/workers/"+worker.ID.String()+"/offline/",
		`{"action":"shutdown"}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, catalog.OfflineShutdown, service.offline[worker.ID])

	recorder = doJSON(server, http.MethodPost, "/api/v1/workers/"+worker.ID.String()+"/offline/",
		`{"action":"reboot"}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code, "only offline/shutdown actions are legal")

	recorder = doJSON(server, http.MethodDelete, "/api/v1/workers/"+worker.ID.String()+"/offline/", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.NotContains(t, service.offline, worker.ID)
}

func Test_GetWorker_NotFoundAndBadID(t *testing.T) {
	t.Parallel()

	service := &fakeWorkerService{}
	server := newWorkerServer(service)

	recorder := doJSON(server, http.MethodGet, "/api/v1/workers/"+uuid.New().String()+"/", "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = doJSON(server, http.MethodGet, "/api/v1/workers/not-a-uuid/", "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
