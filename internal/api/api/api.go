package api

import (
	"github.com/gin-contrib/cors"
	"github.com/wb-go/wbf/ginext"

	"memberevents/cmd/middleware"
	"memberevents/internal/auth"
	"memberevents/internal/service"
)

type Routers struct {
	Service       service.Service
	AuthSecret    string
	AdminRoleUUID string
}

func NewRouters(r *Routers) *ginext.Engine {
	app := ginext.New("release")

	app.Use(middleware.LoggingMiddleware())
	app.Use(cors.Default())

	apiGroup := app.Group("/v1")

	// The provider's redirect carries its own signature; no bearer token.
	apiGroup.GET("/payments/return", r.Service.PaymentReturn)

	authed := apiGroup.Group("")
	authed.Use(auth.Middleware(r.AuthSecret))

	authed.GET("/events", r.Service.GetAllEvents)
	authed.GET("/events/:id", r.Service.GetEvent)
	authed.POST("/events/:id/register", r.Service.Register)

	authed.GET("/registrations", r.Service.MyRegistrations)
	authed.DELETE("/registrations/:id", r.Service.CancelRegistration)
	authed.PUT("/registrations/:id/answers", r.Service.ReplaceAnswers)

	authed.POST("/checkout", r.Service.Checkout)
	authed.GET("/payments/:orderId", r.Service.PaymentStatus)

	admin := authed.Group("")
	admin.Use(auth.RequireRole(r.AdminRoleUUID))
	admin.POST("/sync/events/:uuid", r.Service.SyncEvent)
	admin.POST("/pickup/:code", r.Service.MarkPickedUp)
	admin.GET("/pickup/stream", r.Service.PickupStream)

	return app
}
