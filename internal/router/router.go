package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/saivats/Digi-Kul-sub000/internal/handler"
	"github.com/saivats/Digi-Kul-sub000/pkg/constants"
)

// New builds the HTTP router.
func New(
	lectureHandler *handler.LectureHandler,
	sessionWS *handler.SessionWSHandler,
	health *handler.HealthHandler,
) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(constants.PathHealth, health.Health)
	r.GET(constants.PathReady, health.Ready)

	// REST: lecture session and poll metadata
	lectures := r.Group("/lectures")
	{
		lectures.POST("/:id/sessions", lectureHandler.StartSession)
		lectures.GET("/:id/active-session", lectureHandler.ActiveSession)
		lectures.POST("/:id/polls", lectureHandler.CreatePoll)
		lectures.GET("/:id/polls", lectureHandler.LecturePolls)
	}
	r.DELETE("/sessions/:id", lectureHandler.EndSession)
	polls := r.Group("/polls")
	{
		polls.POST("/:id/votes", lectureHandler.Vote)
		polls.GET("/:id/results", lectureHandler.PollResults)
	}

	// Live session event channel
	r.GET("/ws", sessionWS.ServeWS)

	return r
}
