package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/tutorhub/core"
	"github.com/trezcool/tutorhub/core/session"
	"github.com/trezcool/tutorhub/core/user"
)

type sessionApi struct {
	svc     session.Service
	userSvc user.Service
}

func registerSessionAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc session.Service, userSvc user.Service) {
	api := sessionApi{
		svc:     svc,
		userSvc: userSvc,
	}

	sg := g.Group("/sessions")

	// browsing is open; enrollment state is only exposed per-session
	sg.GET("", api.query)
	sg.GET("/tutor/:tutorId", api.queryByTutor)

	// authed endpoints
	ag := sg.Group("", jwt)
	ag.GET("/my-enrolled", api.queryEnrolled)
	ag.POST("", api.create, tutorOrAdminMiddleware())

	sg.GET("/:id", api.retrieve)

	// detail endpoints
	dg := sg.Group("/:id", jwt)
	dg.PUT("", api.update)
	dg.PATCH("", api.update)
	dg.DELETE("", api.destroy)
	dg.POST("/join", api.join)
	dg.POST("/leave", api.leave)
	dg.POST("/feedback", api.feedback)
}

// Handlers

func (api *sessionApi) create(ctx echo.Context) error {
	var data session.NewSession
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSession")
	}

	actor, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	s, err := api.svc.Create(ctx.Request().Context(), actor, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, s)
}

func (api *sessionApi) query(ctx echo.Context) error {
	filter := new(session.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return errors.Wrap(err, "binding to QueryFilter")
	}

	sessions, page, err := api.svc.Filter(ctx.Request().Context(), *filter)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, newSessionListResponse(sessions, page))
}

func (api *sessionApi) queryByTutor(ctx echo.Context) error {
	filter := new(session.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return errors.Wrap(err, "binding to QueryFilter")
	}

	sessions, page, err := api.svc.GetByTutor(ctx.Request().Context(), ctx.Param("tutorId"), *filter)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, newSessionListResponse(sessions, page))
}

func (api *sessionApi) queryEnrolled(ctx echo.Context) error {
	filter := new(session.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return errors.Wrap(err, "binding to QueryFilter")
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	sessions, page, err := api.svc.GetEnrolledBy(ctx.Request().Context(), claims.Subject, *filter)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, newSessionListResponse(sessions, page))
}

func (api *sessionApi) retrieve(ctx echo.Context) error {
	s, err := api.svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *sessionApi) update(ctx echo.Context) error {
	var data session.UpdateSession
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateSession")
	}

	actor, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	s, err := api.svc.Update(ctx.Request().Context(), actor, ctx.Param("id"), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *sessionApi) destroy(ctx echo.Context) error {
	actor, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	if err := api.svc.Delete(ctx.Request().Context(), actor, ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *sessionApi) join(ctx echo.Context) error {
	actor, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	s, err := api.svc.Join(ctx.Request().Context(), actor, ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, EnrollmentResponse{CurrentEnrolled: s.Capacity.CurrentEnrolled})
}

func (api *sessionApi) leave(ctx echo.Context) error {
	actor, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	s, err := api.svc.Leave(ctx.Request().Context(), actor, ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, EnrollmentResponse{CurrentEnrolled: s.Capacity.CurrentEnrolled})
}

func (api *sessionApi) feedback(ctx echo.Context) error {
	var data session.SessionFeedback
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SessionFeedback")
	}

	actor, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	if err := api.svc.RecordFeedback(ctx.Request().Context(), actor, ctx.Param("id"), data); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Feedback recorded."})
}

// EnrollmentResponse reports the seat count after a join or leave.
type EnrollmentResponse struct {
	CurrentEnrolled int `json:"current_enrolled"`
}

type SessionListResponse struct {
	Items []session.Session `json:"items"`
	Page  core.Page         `json:"page"`
}

func newSessionListResponse(sessions []session.Session, page core.Page) SessionListResponse {
	if sessions == nil {
		sessions = []session.Session{}
	}
	return SessionListResponse{Items: sessions, Page: page}
}
