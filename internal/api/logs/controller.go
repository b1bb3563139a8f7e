package logs

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/drovermedia/drover/internal/api/util"
	"github.com/drovermedia/drover/internal/catalog"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type (
	AppendLogRequest struct {
		TaskID     uuid.UUID `json:"task_id" validate:"required"`
		LogLevel   int       `json:"log_level" validate:"gte=0,lte=3"`
		LogMessage string    `json:"log_message" validate:"required"`
	}

	// Store is the slice of the catalog the audit log endpoints need.
	Store interface {
		AppendTaskLog(taskID uuid.UUID, level catalog.LogLevel, message string) error
		ListLogs(filter catalog.LogFilter) ([]*catalog.TaskLog, error)
	}

	// Controller exposes the append-only task audit log.
	Controller struct {
		store    Store
		validate *validator.Validate
	}
)

func New(validate *validator.Validate, store Store) *Controller {
	return &Controller{store: store, validate: validate}
}

// SetRoutes accepts the Echo group for the log endpoints
// and sets the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.POST("/", controller.append)
}

func (controller *Controller) list(ec echo.Context) error {
	levels, err := util.QueryIntList(ec, "log_level")
	if err != nil {
		return err
	}
	startTime, err := queryTimePtr(ec, "start_time")
	if err != nil {
		return err
	}
	endTime, err := queryTimePtr(ec, "end_time")
	if err != nil {
		return err
	}

	limit, offset := util.Paging(ec, 100)
	filter := catalog.LogFilter{
		Levels:     util.ApplyConversion(levels, func(l int) catalog.LogLevel { return catalog.LogLevel(l) }),
		StartTime:  startTime,
		EndTime:    endTime,
		Descending: util.QueryDescending(ec),
		Limit:      limit,
		Offset:     offset,
	}

	entries, err := controller.store.ListLogs(filter)
	if err != nil {
		return err
	}

	return util.Respond(ec, http.StatusOK, entries)
}

func (controller *Controller) append(ec echo.Context) error {
	var request AppendLogRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := controller.store.AppendTaskLog(request.TaskID, catalog.LogLevel(request.LogLevel), request.LogMessage); err != nil {
		if errors.Is(err, catalog.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Task does not exist")
		}
		return err
	}

	return util.Respond(ec, http.StatusCreated, nil)
}

func queryTimePtr(ec echo.Context, name string) (*time.Time, error) {
	raw := ec.QueryParam(name)
	if raw == "" {
		return nil, nil
	}

	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Query parameter '"+name+"' must be an RFC3339 timestamp")
	}

	return &value, nil
}
