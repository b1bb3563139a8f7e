package videos

import (
	"errors"
	"net/http"

	"github.com/drovermedia/drover/internal/api/util"
	"github.com/drovermedia/drover/internal/catalog"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type (
	// Store is the read-only slice of the catalog this controller needs.
	Store interface {
		GetVideo(id uuid.UUID) (*catalog.Video, error)
		ListVideos(filter catalog.VideoFilter) ([]*catalog.Video, error)
	}

	// Controller exposes the video catalog read endpoints. The catalog is
	// mutated only by the scanner and the task lifecycle; there is no write
	// surface here.
	Controller struct {
		store Store
	}
)

func New(store Store) *Controller {
	return &Controller{store: store}
}

// SetRoutes accepts the Echo group for the video endpoints
// and sets the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
}

func (controller *Controller) list(ec echo.Context) error {
	statuses, err := util.QueryIntList(ec, "transcode_status")
	if err != nil {
		return err
	}
	isVR, err := util.QueryBoolPtr(ec, "is_vr")
	if err != nil {
		return err
	}
	minBitrate, err := util.QueryIntPtr(ec, "min_bitrate")
	if err != nil {
		return err
	}
	maxBitrate, err := util.QueryIntPtr(ec, "max_bitrate")
	if err != nil {
		return err
	}
	minSize, err := util.QueryFloatPtr(ec, "min_size")
	if err != nil {
		return err
	}
	maxSize, err := util.QueryFloatPtr(ec, "max_size")
	if err != nil {
		return err
	}

	limit, offset := util.Paging(ec, 100)
	filter := catalog.VideoFilter{
		Statuses:   util.ApplyConversion(statuses, func(s int) catalog.TranscodeStatus { return catalog.TranscodeStatus(s) }),
		IsVR:       isVR,
		Codecs:     ec.QueryParams()["codec"],
		MinBitrate: minBitrate,
		MaxBitrate: maxBitrate,
		MinSizeMb:  minSize,
		MaxSizeMb:  maxSize,
		SortBy:     ec.QueryParam("sort_by"),
		Descending: util.QueryDescending(ec),
		Limit:      limit,
		Offset:     offset,
	}

	videos, err := controller.store.ListVideos(filter)
	if err != nil {
		return err
	}

	return util.Respond(ec, http.StatusOK, videos)
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Video ID is not a valid UUID")
	}

	video, err := controller.store.GetVideo(id)
	if err != nil {
		if errors.Is(err, catalog.ErrVideoNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return err
	}

	return util.Respond(ec, http.StatusOK, video)
}
