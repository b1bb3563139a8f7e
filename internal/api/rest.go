package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/drovermedia/drover/internal/api/logs"
	"github.com/drovermedia/drover/internal/api/tasks"
	"github.com/drovermedia/drover/internal/api/util"
	"github.com/drovermedia/drover/internal/api/videos"
	"github.com/drovermedia/drover/internal/api/workers"
	"github.com/drovermedia/drover/internal/event"
	"github.com/drovermedia/drover/internal/http/websocket"
	"github.com/drovermedia/drover/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// dataStore represents a union of all the controller store requirements
	dataStore interface {
		videos.Store
		logs.Store
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. Its sole
	// responsibility is to create the routes the coordinator exposes, manage
	// ongoing web socket connections, and translate errors to the response
	// envelope.
	RestGateway struct {
		*broadcaster
		config            *RestConfig
		ec                *echo.Echo
		socket            *websocket.SocketHub
		workersController controller
		tasksController   controller
		videosController  controller
		logsController    controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers. Each controller requires access
// to a service or data store, which are provided as arguments.
func NewRestGateway(
	config *RestConfig,
	registryService workers.Service,
	dispatchService tasks.DispatchService,
	trackerService tasks.TrackerService,
	store dataStore,
	eventBus event.EventHandler,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true
	ec.HTTPErrorHandler = envelopeErrorHandler

	validate := validator.New()
	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:       newBroadcaster(socket, eventBus),
		config:            config,
		ec:                ec,
		socket:            socket,
		workersController: workers.New(validate, registryService),
		tasksController:   tasks.New(validate, dispatchService, trackerService),
		videosController:  videos.New(store),
		logsController:    logs.New(validate, store),
	}

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET("/socket/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	workerRoutes := ec.Group("/api/v1/workers")
	gateway.workersController.SetRoutes(workerRoutes)

	taskRoutes := ec.Group("/api/v1/tasks")
	gateway.tasksController.SetRoutes(taskRoutes)

	videoRoutes := ec.Group("/api/v1/videos")
	gateway.videosController.SetRoutes(videoRoutes)

	logRoutes := ec.Group("/api/v1/logs")
	gateway.logsController.SetRoutes(logRoutes)

	return gateway
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	// Start event bus -> websocket bridge
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.broadcaster.Run(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

// envelopeErrorHandler renders every handler error as the standard response
// envelope. Explicit echo.HTTPErrors keep their status and message; anything
// else is an unexpected fault, logged and masked as a 500.
func envelopeErrorHandler(err error, ec echo.Context) {
	if ec.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"

	var httpError *echo.HTTPError
	if errors.As(err, &httpError) {
		status = httpError.Code
		if text, ok := httpError.Message.(string); ok && text != "" {
			message = text
		} else {
			message = http.StatusText(status)
		}
	} else {
		log.Errorf("Unhandled error serving %s %s: %v\n", ec.Request().Method, ec.Request().URL.Path, err)
	}

	if writeErr := ec.JSON(status, util.Envelope{Code: status, Message: message}); writeErr != nil {
		log.Errorf("Failed to write error response: %v\n", writeErr)
	}
}
