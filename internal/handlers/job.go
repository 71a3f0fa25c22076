package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"tubemp3/internal/jobs"
	"tubemp3/internal/models"
)

// StateCounter reports stored job counts per state.
type StateCounter interface {
	CountByState(ctx context.Context) (map[models.State]int64, error)
}

// JobHandler はジョブAPIのハンドラー
type JobHandler struct {
	jobs  *jobs.Scheduler
	stats StateCounter
}

// NewJobHandler は新しいJobHandlerを作成
func NewJobHandler(scheduler *jobs.Scheduler, stats StateCounter) *JobHandler {
	return &JobHandler{jobs: scheduler, stats: stats}
}

// Register はジョブAPIのルートを登録
func (h *JobHandler) Register(g *echo.Group) {
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/stats", h.Stats)
	g.GET("/stream", h.Stream)
	g.POST("/:id/start", h.Start)
	g.POST("/:id/cancel", h.Cancel)
	g.GET("/:id/progress", h.Progress)
	g.GET("/:id/file", h.Download)
	g.DELETE("/:id", h.DeleteRecord)
	g.DELETE("/:id/file", h.DeleteFile)
	g.DELETE("/:id/all", h.DeleteAll)
	g.DELETE("/:id/force", h.ForceDelete)
	g.POST("/:id/separate", h.Separate)
	g.GET("/:id/stems", h.Stems)
	g.GET("/:id/stems/:name", h.DownloadStem)
}

type createRequest struct {
	URL string `json:"url"`
}

type createResponse struct {
	JobID string `json:"jobId"`
}

var okResponse = map[string]bool{"ok": true}

// Create はジョブを登録 (?start=1 で即時開始)
func (h *JobHandler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	submit := h.jobs.Submit
	if start, _ := strconv.ParseBool(c.QueryParam("start")); start {
		submit = h.jobs.SubmitAndStart
	}
	id, err := submit(c.Request().Context(), req.URL)
	if err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusCreated, createResponse{JobID: id})
}

// List はジョブ一覧を新しい順に取得
func (h *JobHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.jobs.List())
}

// Stats はジョブ統計を取得
func (h *JobHandler) Stats(c echo.Context) error {
	counts, err := h.stats.CountByState(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	stats := make(map[string]int64, len(counts))
	for state, n := range counts {
		stats[string(state)] = n
	}
	return c.JSON(http.StatusOK, map[string]any{
		"states":  stats,
		"running": h.jobs.Running(),
	})
}

// Start はキュー内のジョブを開始
func (h *JobHandler) Start(c echo.Context) error {
	if err := h.jobs.StartQueued(c.Param("id")); err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusOK, okResponse)
}

// Cancel はジョブをキャンセル
func (h *JobHandler) Cancel(c echo.Context) error {
	if err := h.jobs.Cancel(c.Param("id")); err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusOK, okResponse)
}

// Progress はジョブの詳細を取得
func (h *JobHandler) Progress(c echo.Context) error {
	job, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// Download はMP3ファイルを添付ファイルとして返す
func (h *JobHandler) Download(c echo.Context) error {
	job, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		return jobError(c, err)
	}
	if !job.HasFile {
		return jobError(c, jobs.ErrNoFile)
	}
	return c.Attachment(job.Result.Path, job.Result.FileName)
}

// DeleteRecord はジョブの行のみ削除
func (h *JobHandler) DeleteRecord(c echo.Context) error {
	return h.delete(c, h.jobs.DeleteRecord)
}

// DeleteFile はファイルのみ削除
func (h *JobHandler) DeleteFile(c echo.Context) error {
	return h.delete(c, h.jobs.DeleteFile)
}

// DeleteAll は行とファイルを削除
func (h *JobHandler) DeleteAll(c echo.Context) error {
	return h.delete(c, h.jobs.DeleteAll)
}

// ForceDelete は実行中でもキャンセルして削除
func (h *JobHandler) ForceDelete(c echo.Context) error {
	return h.delete(c, h.jobs.ForceDelete)
}

func (h *JobHandler) delete(c echo.Context, fn func(ctx context.Context, id string) (bool, error)) error {
	existed, err := fn(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jobError(c, err)
	}
	if !existed {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	return c.JSON(http.StatusOK, okResponse)
}

// Separate はステム分離を開始
func (h *JobHandler) Separate(c echo.Context) error {
	if err := h.jobs.Separate(c.Param("id")); err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusOK, okResponse)
}

// Stems はステム分離の状態を取得
func (h *JobHandler) Stems(c echo.Context) error {
	sep, err := h.jobs.Stems(c.Param("id"))
	if err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusOK, sep)
}

// DownloadStem はステムファイルを返す
func (h *JobHandler) DownloadStem(c echo.Context) error {
	stem, err := h.jobs.Stem(c.Param("id"), c.Param("name"))
	if err != nil {
		return jobError(c, err)
	}
	return c.Attachment(stem.Path, stem.File)
}

// jobError maps scheduler errors to status codes.
func jobError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, jobs.ErrNoFile), errors.Is(err, jobs.ErrNoStem):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidURL), errors.Is(err, jobs.ErrNotQueued), errors.Is(err, jobs.ErrNotDone):
		status = http.StatusBadRequest
	case errors.Is(err, jobs.ErrActive), errors.Is(err, jobs.ErrSeparating):
		status = http.StatusConflict
	case errors.Is(err, jobs.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
