package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"flowboard/domain"
)

const postMovesMaxSize = 1 << 20

// Register wires up all API routes on the provided Echo instance and returns
// a shutdown function that drains pending commits.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, buckets []domain.Bucket, logger *log.Logger) func() {
	boards := newBoardRegistry(store, buckets, logger)

	e.GET("/api/boards/:boardID", getBoard(boards, auth, logger))
	e.POST("/api/boards/:boardID/moves", postMoves(boards, auth, deduper))
	e.POST("/api/boards/:boardID/reload", postReload(boards, auth))
	e.GET("/healthz", healthz())

	return boards.shutdown
}

type bucketPayload struct {
	ID    string        `json:"id"`
	Label string        `json:"label"`
	Tasks []domain.Task `json:"tasks"`
}

type boardResponse struct {
	BoardID string          `json:"boardId"`
	Buckets []bucketPayload `json:"buckets"`
}

type moveRequest struct {
	TaskID         string `json:"taskId"`
	BucketID       string `json:"bucketId"`
	Index          int    `json:"index"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type postMovesResponse struct {
	IdempotencyKeys []string `json:"idempotencyKeys"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func boardPayload(boardID string, b domain.Board) boardResponse {
	resp := boardResponse{BoardID: boardID}
	for _, bucket := range b.Buckets() {
		resp.Buckets = append(resp.Buckets, bucketPayload{
			ID:    bucket.ID,
			Label: bucket.Label,
			Tasks: b.BucketTasks(bucket.ID),
		})
	}
	return resp
}

func getBoard(boards *boardRegistry, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		boardID := c.Param("boardID")
		metrics.SetBoardID(boardID)

		loadStart := time.Now()
		eng, loadErr := boards.engineFor(ctx, boardID)
		metrics.ObserveLoad(time.Since(loadStart))
		if loadErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(loadErr)
			err = c.String(http.StatusInternalServerError, loadErr.Error())
			return err
		}

		board := eng.Board()
		metrics.SetTasksReturned(board.Len())

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, boardPayload(boardID, board))
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postMoves(boards *boardRegistry, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		boardID := c.Param("boardID")

		lr := io.LimitReader(c.Request().Body, postMovesMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		moves := make([]moveRequest, 0, 4)
		if err := dec.Decode(&moves); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if len(moves) == 0 {
			return c.String(http.StatusBadRequest, "no moves")
		}

		keys := make([]string, len(moves))
		for i := range moves {
			if moves[i].IdempotencyKey == "" {
				moves[i].IdempotencyKey = uuid.NewString()
			}
			keys[i] = moves[i].IdempotencyKey
		}

		fresh, err := deduper.AddMany(ctx, boardID, keys)
		if err != nil {
			c.Logger().Errorf("dedupe moves: %v", err)
			return c.String(http.StatusInternalServerError, "failed to record moves")
		}

		eng, err := boards.engineFor(ctx, boardID)
		if err != nil {
			rollbackKeys(c, deduper, boardID, keys, fresh)
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		for i, m := range moves {
			if !fresh[i] {
				continue
			}
			if _, moveErr := eng.Move(m.TaskID, m.BucketID, m.Index); moveErr != nil {
				// The failed move and everything after it never applied; their
				// keys must not dedupe a client retry of the batch.
				rollbackKeys(c, deduper, boardID, keys[i:], fresh[i:])
				if errors.Is(moveErr, domain.ErrValidation) {
					return c.String(http.StatusBadRequest, moveErr.Error())
				}
				c.Logger().Error(moveErr)
				return c.String(http.StatusInternalServerError, moveErr.Error())
			}
		}

		return c.JSON(http.StatusAccepted, postMovesResponse{IdempotencyKeys: keys})
	}
}

// postReload is the forms subsystem's hook: after a create, delete or status
// change outside of drag gestures it forces a fresh authoritative snapshot.
func postReload(boards *boardRegistry, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		boardID := c.Param("boardID")

		eng, err := boards.engineFor(ctx, boardID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		board, err := eng.Load(ctx)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, boardPayload(boardID, board))
	}
}

func rollbackKeys(c echo.Context, deduper Deduper, boardID string, keys []string, fresh []bool) {
	ctx := c.Request().Context()
	for i, key := range keys {
		if i < len(fresh) && fresh[i] {
			if err := deduper.Remove(ctx, boardID, key); err != nil {
				c.Logger().Errorf("dedupe rollback failed: %v, key: %s", err, key)
			}
		}
	}
}
