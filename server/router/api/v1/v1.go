package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/kbot/internal/profile"
	"github.com/hrygo/kbot/server/chatbot"
	"github.com/hrygo/kbot/store"
)

type APIV1Service struct {
	Profile *profile.Profile
	Bot     *chatbot.Bot
	// Store is nil when the eviction archive is disabled.
	Store *store.Store
}

func NewAPIV1Service(profile *profile.Profile, bot *chatbot.Bot, store *store.Store) *APIV1Service {
	return &APIV1Service{
		Profile: profile,
		Bot:     bot,
		Store:   store,
	}
}

// RegisterGateway registers the webhook endpoint and the admin API.
func (s *APIV1Service) RegisterGateway(_ context.Context, echoServer *echo.Echo) {
	echoServer.POST("/webhook/:platform", s.HandleWebhook, middleware.BodyLimit(maxWebhookBody))

	corsHandler := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(_ string) (bool, error) {
			return true, nil
		},
		AllowMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"*"},
	})
	apiGroup := echoServer.Group("/api/v1", corsHandler)

	apiGroup.GET("/scopes", s.ListScopes)
	apiGroup.GET("/scopes/:scope/users", s.ListUsers)
	apiGroup.GET("/scopes/:scope/users/:user/history", s.GetHistory)
	apiGroup.GET("/scopes/:scope/users/:user/records", s.SearchRecords)
	apiGroup.GET("/scopes/:scope/users/:user/records/:id", s.GetRecord)
	apiGroup.GET("/scopes/:scope/records", s.SearchAllRecords)
	apiGroup.DELETE("/scopes/:scope/users/:user", s.ClearUser)
	apiGroup.DELETE("/scopes/:scope", s.ClearScope)
	apiGroup.GET("/scopes/:scope/archive", s.ListArchive)

	apiGroup.GET("/aggregator/pending", s.ListPending)
}
