package echoapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core/entity"
)

type entityApi struct {
	store *entity.Store
	kind  entity.Kind
}

func registerEntityAPI(g *echo.Group, jwt echo.MiddlewareFunc, store *entity.Store) {
	students := entityApi{store: store, kind: entity.KindStudent}
	classrooms := entityApi{store: store, kind: entity.KindClassRoom}
	settings := entityApi{store: store, kind: entity.KindSetting}

	register := func(prefix string, api entityApi, create echo.HandlerFunc) {
		eg := g.Group(prefix, jwt)
		eg.GET("", api.query)
		eg.GET("/:code", api.retrieve)

		// mutations are an admin concern
		eg.POST("", create, adminMiddleware())
		eg.PATCH("/:id", api.update, adminMiddleware())
	}
	register("/students", students, students.createStudent)
	register("/classrooms", classrooms, classrooms.createClassRoom)
	register("/settings", settings, settings.createSetting)
}

// Handlers

func (api *entityApi) createStudent(ctx echo.Context) error {
	var data entity.Student
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Student")
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	rec, err := api.store.CreateStudent(claims.InstituteID, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, rec)
}

func (api *entityApi) createClassRoom(ctx echo.Context) error {
	var data entity.ClassRoom
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ClassRoom")
	}
	if err := data.Validate(); err != nil {
		return err
	}
	return api.create(ctx, data)
}

func (api *entityApi) createSetting(ctx echo.Context) error {
	var data entity.AppSetting
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AppSetting")
	}
	if err := data.Validate(); err != nil {
		return err
	}
	return api.create(ctx, data)
}

func (api *entityApi) create(ctx echo.Context, payload interface{}) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	rec, err := api.store.Create(claims.InstituteID, api.kind, payload)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, rec)
}

func (api *entityApi) query(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	recs, err := api.store.Query(api.kind, func(rec entity.Record) bool {
		return rec.InstituteID == claims.InstituteID
	})
	if err != nil {
		return errors.Wrapf(err, "querying %s records", api.kind)
	}
	return ctx.JSON(http.StatusOK, recs)
}

func (api *entityApi) retrieve(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	rec, err := api.store.GetByCode(api.kind, ctx.Param("code"))
	if err != nil {
		return err
	}
	if rec.InstituteID != claims.InstituteID {
		return errHttpNotFound
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *entityApi) update(ctx echo.Context) error {
	localID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		return errHttpNotFound
	}

	var data UpdateRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	rec, err := api.store.Get(api.kind, localID)
	if err != nil {
		return err
	}
	if rec.InstituteID != claims.InstituteID {
		return errHttpNotFound
	}

	rec, err = api.store.Update(api.kind, localID, data.Patch)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}
