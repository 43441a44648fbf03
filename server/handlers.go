package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/model"
	"github.com/ZamarianPatrick/lazypig-plantcare/store"
	"github.com/ZamarianPatrick/lazypig-plantcare/watering"
)

const (
	userHeader   = "X-User-ID"
	userQuery    = "userId"
	userKey      = "plantcare.user"
	statsHistory = 30
)

var (
	errTooManyRequests = errors.New("too many requests")
	errBadArgument     = errors.New("invalid argument")
)

type callerKey struct{}

func withCaller(ctx context.Context, userID uint64) context.Context {
	return context.WithValue(ctx, callerKey{}, userID)
}

// callerOf returns the acting user stored by requireUser, 0 if none.
func callerOf(ctx context.Context) uint64 {
	id, _ := ctx.Value(callerKey{}).(uint64)
	return id
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type plantResponse struct {
	Message string       `json:"message"`
	Plant   *model.Plant `json:"plant"`
}

// requireUser reads the acting user from the X-User-ID header. Websocket
// clients cannot set headers, so the query string is accepted there.
func (r *Resolver) requireUser(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(userHeader)
		if raw == "" && allowQuery {
			raw = c.Query(userQuery)
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Message: "Unauthorized"})
			return
		}
		c.Set(userKey, id)
		c.Request = c.Request.WithContext(withCaller(c.Request.Context(), id))
		c.Next()
	}
}

func userID(c *gin.Context) uint64 {
	return c.MustGet(userKey).(uint64)
}

func pathID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid plant id", Error: err.Error()})
		return 0, false
	}
	return id, true
}

// classify maps an error to its HTTP status and the message shown to the
// client.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Plant not found"
	case errors.Is(err, watering.ErrInvalidDuration):
		return http.StatusBadRequest, "Invalid duration"
	case errors.Is(err, errBadArgument):
		return http.StatusBadRequest, "Invalid argument"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "Plant was modified concurrently, retry"
	case errors.Is(err, errTooManyRequests):
		return http.StatusTooManyRequests, "Too many requests"
	default:
		return http.StatusInternalServerError, "Server error"
	}
}

func (r *Resolver) fail(c *gin.Context, err error) {
	status, message := classify(err)
	resp := errorResponse{Message: message}
	if status != http.StatusNotFound {
		resp.Error = err.Error()
	}
	if status == http.StatusInternalServerError {
		r.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.JSON(status, resp)
}

// ownedPlant loads a plant of the acting user, with its history if asked.
func (r *Resolver) ownedPlant(c *gin.Context, id uint64, history bool) (*model.Plant, error) {
	return r.loadOwned(c.Request.Context(), userID(c), id, history)
}

func (r *Resolver) loadOwned(ctx context.Context, user, id uint64, history bool) (*model.Plant, error) {
	var (
		p   *model.Plant
		err error
	)
	if history {
		p, err = r.controller.Store().GetPlantWithHistory(ctx, id)
	} else {
		p, err = r.controller.Store().GetPlant(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if p.OwnerID != user {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (r *Resolver) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": r.version})
}

func (r *Resolver) startWatering(c *gin.Context) {
	id, ok := pathID(c, "plantId")
	if !ok {
		return
	}
	plant, err := r.controller.Scheduler().Executor().StartWatering(c.Request.Context(), userID(c), id)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plantResponse{Message: "Watering started", Plant: plant})
}

func (r *Resolver) stopWatering(c *gin.Context) {
	id, ok := pathID(c, "plantId")
	if !ok {
		return
	}
	var input model.StopWateringInput
	if err := c.ShouldBindJSON(&input); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}
	plant, err := r.controller.Scheduler().Executor().StopWatering(c.Request.Context(), userID(c), id, input.Duration)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plantResponse{Message: "Watering stopped", Plant: plant})
}

func (r *Resolver) evaluate(c *gin.Context) {
	report, err := r.controller.Scheduler().RunOnce(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (r *Resolver) window(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := r.ownedPlant(c, id, false); err != nil {
		r.fail(c, err)
		return
	}
	status, err := r.controller.Scheduler().WindowStatus(c.Request.Context(), id)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (r *Resolver) stats(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	plant, err := r.ownedPlant(c, id, true)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plant.Stats(statsHistory))
}

func (r *Resolver) websocket(c *gin.Context) {
	if err := r.controller.Hub().ServeWS(c.Writer, c.Request, userID(c)); err != nil {
		r.log.Debug("websocket upgrade failed", logx.Err(err))
	}
}
