package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// HL7PayloadPath receives raw HL7 payloads, which may embed base64
// images, and gets the larger limit.
const HL7PayloadPath = "/api/v1/hl7/parse"

// BodyLimit caps request bodies at defaultLimit, except POST HL7PayloadPath
// which is capped at payloadLimit. Limits use echo's size notation ("1M",
// "512K", or a plain byte count) and must be valid; an invalid limit panics
// when the middleware is built. Oversized requests get 413.
func BodyLimit(defaultLimit, payloadLimit string) echo.MiddlewareFunc {
	payload := echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Limit:   payloadLimit,
		Skipper: func(c echo.Context) bool { return !isHL7Payload(c) },
	})
	other := echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Limit:   defaultLimit,
		Skipper: isHL7Payload,
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return payload(other(next))
	}
}

func isHL7Payload(c echo.Context) bool {
	return c.Request().Method == http.MethodPost && c.Request().URL.Path == HL7PayloadPath
}
