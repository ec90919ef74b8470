package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

// Actor returns the authenticated caller.  The zero Actor is returned when
// JWTAuth did not run.
func Actor(c echo.Context) model.Actor {
	id, _ := c.Get(KeyUserID).(string)
	role, _ := c.Get(KeyRole).(string)
	return model.Actor{ID: id, Role: role}
}

func currentUserID(c echo.Context) string {
	if id, ok := c.Get(KeyUserID).(string); ok && id != "" {
		return id
	}
	return "anon"
}
