package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	applogger "TradeCore/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Recover turns a handler panic into a 500 envelope. The correlation id set by
// RequestLogging is logged with the stack so the failing request can be found.
func Recover(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("%v", r)
				}
				cid, _ := c.Get("correlation_id").(string)
				l.Error("handler panic",
					applogger.Error(perr),
					applogger.String("route", c.Path()),
					applogger.String("correlation_id", cid),
					applogger.String("stack", string(debug.Stack())),
				)
				if c.Response().Committed {
					return
				}
				err = c.JSON(http.StatusInternalServerError, map[string]interface{}{
					"status":  http.StatusInternalServerError,
					"message": http.StatusText(http.StatusInternalServerError),
				})
			}()
			return next(c)
		}
	}
}
