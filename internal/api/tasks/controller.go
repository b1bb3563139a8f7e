package tasks

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/drovermedia/drover/internal/api/util"
	"github.com/drovermedia/drover/internal/catalog"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type (
	RequestTaskRequest struct {
		WorkerID   uuid.UUID `json:"worker_id" validate:"required"`
		WorkerType int       `json:"worker_type" validate:"gte=0,lte=3"`
		SupportVR  bool      `json:"support_vr"`
		DestPath   *string   `json:"dest_path"`
	}

	UpdateTaskRequest struct {
		WorkerID      uuid.UUID `json:"worker_id" validate:"required"`
		Progress      float64   `json:"progress" validate:"gte=0,lte=100"`
		Status        int       `json:"status" validate:"gte=0,lte=3"`
		ElapsedTime   *int      `json:"elapsed_time"`
		RemainingTime *int      `json:"remaining_time"`
		ErrorMessage  *string   `json:"error_message"`
	}

	// DispatchService hands out new assignments in response to worker polls.
	DispatchService interface {
		NextTask(workerID uuid.UUID, kind catalog.WorkerKind, supportsVR bool, destPath *string) (*catalog.Task, error)
	}

	// TrackerService owns the task state machine and listing.
	TrackerService interface {
		ApplyUpdate(taskID uuid.UUID, workerID uuid.UUID, patch catalog.TaskPatch) (*catalog.Task, error)
		Task(id uuid.UUID) (*catalog.Task, error)
		Tasks(filter catalog.TaskFilter) ([]*catalog.Task, error)
	}

	// Controller is the struct which is responsible for defining the
	// routes for the task dispatch and progress endpoints.
	Controller struct {
		dispatcher DispatchService
		tracker    TrackerService
		validate   *validator.Validate
	}
)

func New(validate *validator.Validate, dispatcher DispatchService, tracker TrackerService) *Controller {
	return &Controller{dispatcher: dispatcher, tracker: tracker, validate: validate}
}

// SetRoutes accepts the Echo group for the task endpoints
// and sets the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.request)
	eg.GET("/", controller.list)
	eg.GET("/:task_id/", controller.get)
	eg.PATCH("/:task_id/", controller.update)
}

// request answers a worker poll for work. Three outcomes are expected
// protocol answers rather than errors: a fresh task (201), nothing matching
// the worker's capabilities (404), or a pending offline request (205 with
// the action the worker should take).
func (controller *Controller) request(ec echo.Context) error {
	var request RequestTaskRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	task, err := controller.dispatcher.NextTask(
		request.WorkerID, catalog.WorkerKind(request.WorkerType), request.SupportVR, request.DestPath)
	if err != nil {
		var offline catalog.OfflineRequestedError
		switch {
		case errors.Is(err, catalog.ErrNoCandidate):
			return util.RespondMessage(ec, http.StatusNotFound, "No candidate video available", nil)
		case errors.As(err, &offline):
			return util.RespondMessage(ec, http.StatusResetContent, "Offline requested",
				map[string]any{"action": offlineAction(offline.Mode)})
		case errors.Is(err, catalog.ErrWorkerNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "Worker is not registered")
		}

		return err
	}

	return util.Respond(ec, http.StatusCreated, task)
}

func (controller *Controller) list(ec echo.Context) error {
	statuses, err := util.QueryIntList(ec, "status")
	if err != nil {
		return err
	}

	limit, offset := util.Paging(ec, 100)
	filter := catalog.TaskFilter{
		Statuses:   util.ApplyConversion(statuses, func(s int) catalog.TaskStatus { return catalog.TaskStatus(s) }),
		SortBy:     ec.QueryParam("sort_by"),
		Descending: util.QueryDescending(ec),
		Limit:      limit,
		Offset:     offset,
	}

	tasks, err := controller.tracker.Tasks(filter)
	if err != nil {
		return err
	}

	return util.Respond(ec, http.StatusOK, tasks)
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("task_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Task ID is not a valid UUID")
	}

	task, err := controller.tracker.Task(id)
	if err != nil {
		if errors.Is(err, catalog.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return err
	}

	return util.Respond(ec, http.StatusOK, task)
}

// update applies a worker progress report to the task state machine.
func (controller *Controller) update(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("task_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Task ID is not a valid UUID")
	}

	var request UpdateTaskRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	patch := catalog.TaskPatch{
		Status:           catalog.TaskStatus(request.Status),
		Progress:         request.Progress,
		ElapsedSeconds:   request.ElapsedTime,
		RemainingSeconds: request.RemainingTime,
		ErrorMessage:     request.ErrorMessage,
	}

	task, err := controller.tracker.ApplyUpdate(id, request.WorkerID, patch)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrTaskNotFound):
			return echo.NewHTTPError(http.StatusNotFound)
		case errors.Is(err, catalog.ErrWorkerMismatch):
			return echo.NewHTTPError(http.StatusConflict, "Task is not assigned to this worker")
		case errors.Is(err, catalog.ErrTaskTerminal):
			return echo.NewHTTPError(http.StatusConflict, "Task is already in a terminal state")
		case errors.Is(err, catalog.ErrIllegalTransition):
			return echo.NewHTTPError(http.StatusBadRequest, "Illegal task status transition")
		}

		return err
	}

	return util.Respond(ec, http.StatusOK, task)
}

func offlineAction(mode catalog.OfflineRequest) string {
	if mode == catalog.OfflineShutdown {
		return "shutdown"
	}

	return "offline"
}
