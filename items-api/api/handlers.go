package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"workstream/items-api/domain"
	"workstream/items-api/items"
)

// IdempotencyHeader carries the client key that deduplicates POST /items.
const IdempotencyHeader = "Idempotency-Key"

// Register wires up all API routes on the provided Echo instance. deduper
// may be nil, in which case Idempotency-Key is ignored.
func Register(e *echo.Echo, svc ItemService, broker *Broker, deduper Deduper, logger *log.Logger) {
	e.GET("/", root)
	e.GET("/healthz", healthz)
	e.GET("/items", listItems(svc))
	e.GET("/items/stream", streamItems(svc, broker))
	e.GET("/items/:id", getItem(svc))
	e.POST("/items", createItem(svc, deduper, logger))
	e.PUT("/items/:id", updateItem(svc, logger))
	e.PUT("/items/:id/move", moveItem(svc, logger))
	e.POST("/items/:id/filter", filterItem(svc))
	e.POST("/items/:id/recount", recountItem(svc))
	e.DELETE("/items/:id", deleteItem(svc, logger))
}

func root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"message": "Welcome to Workstream API"})
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}

// timed runs a service call and records its duration on the request metrics.
func timed[T any](c echo.Context, call func() (T, error)) (T, error) {
	start := time.Now()
	v, err := call()
	metricsFrom(c).ObserveService(time.Since(start))
	return v, err
}

// respondWritten renders an item returned by a write. A write can land and
// still report a failed children recount; the item is returned as usual and
// the recount failure is only logged, since RecountChildren repairs it.
func respondWritten(c echo.Context, logger *log.Logger, status int, stage string, it *domain.Item, err error) error {
	if err != nil {
		if it == nil || !isRecountOnly(err) {
			return writeError(c, stage, err)
		}
		metricsFrom(c).SetErrorStage("recount")
		logger.WithError(err).WithField("item_id", it.ID).Warnf("children recount after %s failed", stage)
	}
	return c.JSON(status, it)
}

func listItems(svc ItemService) echo.HandlerFunc {
	return func(c echo.Context) error {
		filter := domain.AllItems()
		parentID := strings.TrimSpace(c.QueryParam("parentId"))
		rootOnly := false
		if raw := c.QueryParam("root"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return writeError(c, "query", fmt.Errorf("%w: root must be a boolean", errInvalidBody))
			}
			rootOnly = v
		}
		switch {
		case parentID != "" && rootOnly:
			return writeError(c, "query", fmt.Errorf("%w: parentId and root are exclusive", errInvalidBody))
		case parentID != "":
			filter = domain.ChildrenOf(parentID)
		case rootOnly:
			filter = domain.Roots()
		}

		list, err := timed(c, func() ([]domain.Item, error) {
			return svc.List(c.Request().Context(), filter)
		})
		if err != nil {
			return writeError(c, "list", err)
		}
		if list == nil {
			list = []domain.Item{}
		}
		metricsFrom(c).SetItemsReturned(len(list))
		return c.JSON(http.StatusOK, list)
	}
}

func getItem(svc ItemService) echo.HandlerFunc {
	return func(c echo.Context) error {
		it, err := timed(c, func() (*domain.Item, error) {
			return svc.Get(c.Request().Context(), c.Param("id"))
		})
		if err != nil {
			return writeError(c, "get", err)
		}
		metricsFrom(c).SetItemsReturned(1)
		return c.JSON(http.StatusOK, it)
	}
}

func createItem(svc ItemService, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var dto createItemDto
		if err := decodeBody(c, &dto); err != nil {
			return writeError(c, "decode", err)
		}
		in, err := dto.toNewItem()
		if err != nil {
			return writeError(c, "decode", err)
		}

		key := strings.TrimSpace(c.Request().Header.Get(IdempotencyHeader))
		if key != "" && deduper != nil {
			metricsFrom(c).SetIdempotent(true)
			added, err := deduper.Add(ctx, key)
			if err != nil {
				return writeError(c, "dedupe", domain.Unavailable("idempotency", err))
			}
			if !added {
				metricsFrom(c).SetErrorStage("duplicate")
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
			}
		}

		it, err := timed(c, func() (*domain.Item, error) {
			return svc.Create(ctx, in)
		})
		if err != nil && it == nil && key != "" && deduper != nil {
			if rerr := deduper.Remove(ctx, key); rerr != nil {
				logger.Errorf("dedupe rollback failed, err: %v, key: %s", rerr, key)
			}
		}
		return respondWritten(c, logger, http.StatusCreated, "create", it, err)
	}
}

func updateItem(svc ItemService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")

		var dto updateItemDto
		if err := decodeBody(c, &dto); err != nil {
			return writeError(c, "decode", err)
		}
		var current *domain.Item
		if dto.touchesEstimation() && (dto.Estimation == nil || dto.EstimationFormat == nil) {
			var err error
			if current, err = svc.Get(ctx, id); err != nil {
				return writeError(c, "get", err)
			}
		}
		ch, err := dto.toChanges(current)
		if err != nil {
			return writeError(c, "decode", err)
		}

		it, err := timed(c, func() (*domain.Item, error) {
			return svc.Update(ctx, id, ch)
		})
		return respondWritten(c, logger, http.StatusOK, "update", it, err)
	}
}

func moveItem(svc ItemService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var dto moveItemDto
		if err := decodeBody(c, &dto); err != nil {
			return writeError(c, "decode", err)
		}
		req := items.MoveRequest{PreviousID: dto.PreviousID, NextID: dto.NextID, Parent: dto.ParentID}
		it, err := timed(c, func() (*domain.Item, error) {
			return svc.Move(c.Request().Context(), c.Param("id"), req)
		})
		return respondWritten(c, logger, http.StatusOK, "move", it, err)
	}
}

func filterItem(svc ItemService) echo.HandlerFunc {
	return func(c echo.Context) error {
		it, err := timed(c, func() (*domain.Item, error) {
			return svc.MarkFiltered(c.Request().Context(), c.Param("id"))
		})
		if err != nil {
			return writeError(c, "filter", err)
		}
		return c.JSON(http.StatusOK, it)
	}
}

func recountItem(svc ItemService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		n, err := timed(c, func() (int, error) {
			return svc.RecountChildren(c.Request().Context(), id)
		})
		if err != nil {
			return writeError(c, "recount", err)
		}
		return c.JSON(http.StatusOK, recountResponse{ID: id, ChildrenCount: n})
	}
}

func deleteItem(svc ItemService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, err := timed(c, func() (struct{}, error) {
			return struct{}{}, svc.Delete(c.Request().Context(), c.Param("id"))
		})
		if err != nil && !isRecountOnly(err) {
			return writeError(c, "delete", err)
		}
		if err != nil {
			logger.WithError(err).WithField("item_id", c.Param("id")).Warn("children recount after delete failed")
		}
		return c.NoContent(http.StatusNoContent)
	}
}
