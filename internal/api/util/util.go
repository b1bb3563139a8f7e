package util

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Envelope is the JSON wrapper every endpoint responds with. Code mirrors
// the HTTP status so clients reading the body alone can branch on it.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Respond writes an enveloped success response with the given status and
// payload.
func Respond(ec echo.Context, status int, data any) error {
	return ec.JSON(status, Envelope{Code: status, Message: "success", Data: data})
}

// RespondMessage writes an enveloped response carrying only a message; used
// for the non-2xx outcomes which are expected protocol answers rather than
// errors (e.g. 'no candidate available').
func RespondMessage(ec echo.Context, status int, message string, data any) error {
	return ec.JSON(status, Envelope{Code: status, Message: message, Data: data})
}

// ApplyConversion applies a converter function to each of the models
// provided to this function. The returned value is a slice which
// has been converted to the new values based on the returned value
// from the converter.
func ApplyConversion[T any, K any](models []T, converter func(T) K) []K {
	dtos := make([]K, 0, len(models))
	for _, v := range models {
		dtos = append(dtos, converter(v))
	}

	return dtos
}

// NotNilOrDefault expects a pointer to some type. If the pointer is
// nil, then the dflt value is returned. If the pointer is NOT nil, then
// it is dereferenced and the concrete value is returned.
func NotNilOrDefault[T any](maybe *T, dflt T) T {
	if maybe == nil {
		return dflt
	}

	return *maybe
}

// Paging extracts limit/offset query params, falling back to the provided
// default page size. Limit is capped at 500 rows per page.
func Paging(ec echo.Context, defaultLimit int) (limit int, offset int) {
	limit = QueryIntDefault(ec, "limit", defaultLimit)
	if limit <= 0 || limit > 500 {
		limit = defaultLimit
	}

	offset = QueryIntDefault(ec, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	return limit, offset
}

// QueryIntDefault parses an integer query parameter, returning the default
// when the parameter is absent or malformed.
func QueryIntDefault(ec echo.Context, name string, dflt int) int {
	raw := ec.QueryParam(name)
	if raw == "" {
		return dflt
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return dflt
	}

	return value
}

// QueryIntList parses a repeated integer query parameter (?status=1&status=2).
// Malformed entries produce a 400 via the returned error.
func QueryIntList(ec echo.Context, name string) ([]int, error) {
	raws := ec.QueryParams()[name]
	values := make([]int, 0, len(raws))
	for _, raw := range raws {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "Query parameter '"+name+"' must be an integer")
		}

		values = append(values, value)
	}

	return values, nil
}

// QueryIntPtr parses an optional integer query parameter, returning nil when
// absent and a 400 error when malformed.
func QueryIntPtr(ec echo.Context, name string) (*int, error) {
	raw := ec.QueryParam(name)
	if raw == "" {
		return nil, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Query parameter '"+name+"' must be an integer")
	}

	return &value, nil
}

// QueryFloatPtr parses an optional float query parameter, returning nil when
// absent and a 400 error when malformed.
func QueryFloatPtr(ec echo.Context, name string) (*float64, error) {
	raw := ec.QueryParam(name)
	if raw == "" {
		return nil, nil
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Query parameter '"+name+"' must be a number")
	}

	return &value, nil
}

// QueryBoolPtr parses an optional boolean query parameter, returning nil when
// absent and a 400 error when malformed.
func QueryBoolPtr(ec echo.Context, name string) (*bool, error) {
	raw := ec.QueryParam(name)
	if raw == "" {
		return nil, nil
	}

	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Query parameter '"+name+"' must be a boolean")
	}

	return &value, nil
}

// QueryDescending interprets the 'order' query parameter; anything other
// than an explicit "asc" sorts descending, matching the listing defaults.
func QueryDescending(ec echo.Context) bool {
	return ec.QueryParam("order") != "asc"
}
