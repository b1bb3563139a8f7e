package workers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/drovermedia/drover/internal/api/util"
	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/registry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type (
	RegisterRequest struct {
		WorkerName string `json:"worker_name" validate:"required"`
		WorkerType int    `json:"worker_type" validate:"gte=0,lte=3"`
		SupportVR  bool   `json:"support_vr"`
	}

	HeartbeatRequest struct {
		WorkerID   uuid.UUID `json:"worker_id" validate:"required"`
		WorkerName string    `json:"worker_name" validate:"required"`
	}

	OfflineActionRequest struct {
		Action string `json:"action" validate:"required,oneof=offline shutdown"`
	}

	UpdateRequest struct {
		WorkerName *string `json:"worker_name"`
		WorkerType *int    `json:"worker_type"`
		SupportVR  *bool   `json:"support_vr"`
	}

	// Service is the slice of the registry this controller depends on.
	Service interface {
		Register(name string, kind catalog.WorkerKind, supportsVR bool) (uuid.UUID, error)
		Heartbeat(id uuid.UUID, name string) error
		RequestOffline(id uuid.UUID, mode catalog.OfflineRequest) error
		CancelOffline(id uuid.UUID) error
		Worker(id uuid.UUID) (*catalog.Worker, error)
		Workers(limit int, offset int) ([]*catalog.Worker, error)
		UpdateWorker(worker *catalog.Worker) error
		DeleteWorker(id uuid.UUID) error
	}

	// Controller is the struct which is responsible for defining the
	// routes for the worker fleet endpoints.
	Controller struct {
		service  Service
		validate *validator.Validate
	}
)

func New(validate *validator.Validate, service Service) *Controller {
	return &Controller{service: service, validate: validate}
}

// SetRoutes accepts the Echo group for the worker endpoints
// and sets the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.register)
	eg.GET("/", controller.list)
	eg.POST("/heartbeat/", controller.heartbeat)
	eg.GET("/:id/", controller.get)
	eg.PUT("/:id/", controller.update)
	eg.DELETE("/:id/", controller.delete)
	eg.POST("/:id/offline/", controller.requestOffline)
	eg.DELETE("/:id/offline/", controller.cancelOffline)
}

// register creates (or reclaims) the registration for the given worker
// name. A name held by a live instance is a conflict.
func (controller *Controller) register(ec echo.Context) error {
	var request RegisterRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := controller.service.Register(request.WorkerName, catalog.WorkerKind(request.WorkerType), request.SupportVR)
	if err != nil {
		if errors.Is(err, registry.ErrNameTaken) {
			return echo.NewHTTPError(http.StatusConflict, "Worker name is held by a live instance")
		}
		return err
	}

	return util.Respond(ec, http.StatusCreated, map[string]any{"worker_id": id})
}

// list returns the fleet, with each worker's status re-derived from
// heartbeat freshness by the underlying service.
func (controller *Controller) list(ec echo.Context) error {
	limit, offset := util.Paging(ec, 100)
	workers, err := controller.service.Workers(limit, offset)
	if err != nil {
		return err
	}

	return util.Respond(ec, http.StatusOK, workers)
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Worker ID is not a valid UUID")
	}

	worker, err := controller.service.Worker(id)
	if err != nil {
		if errors.Is(err, catalog.ErrWorkerNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return err
	}

	return util.Respond(ec, http.StatusOK, worker)
}

// update applies a partial edit to the registration row. Liveness fields
// (status, heartbeat, task linkage) are owned by the coordinator and are
// not editable here.
func (controller *Controller) update(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Worker ID is not a valid UUID")
	}

	var request UpdateRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}

	worker, err := controller.service.Worker(id)
	if err != nil {
		if errors.Is(err, catalog.ErrWorkerNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return err
	}

	if request.WorkerName != nil {
		worker.Name = *request.WorkerName
	}
	if request.WorkerType != nil {
		kind := catalog.WorkerKind(*request.WorkerType)
		if !kind.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, "Unknown worker type code")
		}
		worker.Kind = kind
	}
	if request.SupportVR != nil {
		worker.SupportsVR = *request.SupportVR
	}

	if err := controller.service.UpdateWorker(worker); err != nil {
		return err
	}

	return util.Respond(ec, http.StatusOK, worker)
}

func (controller *Controller) delete(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Worker ID is not a valid UUID")
	}

	if err := controller.service.DeleteWorker(id); err != nil {
		if errors.Is(err, catalog.ErrWorkerNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return err
	}

	return util.Respond(ec, http.StatusOK, nil)
}

// heartbeat stamps the worker's liveness. The name must match the
// registration the worker id was issued for.
func (controller *Controller) heartbeat(ec echo.Context) error {
	var request HeartbeatRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := controller.service.Heartbeat(request.WorkerID, request.WorkerName); err != nil {
		if errors.Is(err, catalog.ErrWorkerNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return err
	}

	return util.Respond(ec, http.StatusOK, nil)
}

// requestOffline flags the worker for retirement; its next task poll is
// answered with a go-offline signal instead of work.
func (controller *Controller) requestOffline(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Worker ID is not a valid UUID")
	}

	var request OfflineActionRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	mode := catalog.OfflineSoft
	if request.Action == "shutdown" {
		mode = catalog.OfflineShutdown
	}

	if err := controller.service.RequestOffline(id, mode); err != nil {
		if errors.Is(err, catalog.ErrWorkerNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return err
	}

	return util.Respond(ec, http.StatusOK, nil)
}

func (controller *Controller) cancelOffline(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Worker ID is not a valid UUID")
	}

	if err := controller.service.CancelOffline(id); err != nil {
		if errors.Is(err, catalog.ErrWorkerNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return err
	}

	return util.Respond(ec, http.StatusOK, nil)
}
