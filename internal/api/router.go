package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/trendfeed/internal/aggregator"
	"github.com/LJTian/trendfeed/internal/clock"
	"github.com/LJTian/trendfeed/internal/collector"
	"github.com/LJTian/trendfeed/internal/health"
	"github.com/LJTian/trendfeed/internal/storage"
)

type Server struct {
	aggregator *aggregator.Aggregator
	monitor    *health.Monitor
	registry   *collector.Registry
	clock      clock.Clock
}

func NewServer(agg *aggregator.Aggregator, mon *health.Monitor, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Server{aggregator: agg, monitor: mon, registry: agg.Registry(), clock: clk}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/sources", s.listSources)
		v1.POST("/sources/:id/retry", s.retrySource)

		v1.GET("/snapshot", s.getSnapshot)
		v1.GET("/snapshot/cached", s.getCachedSnapshot)
		v1.POST("/refresh", s.refresh)

		v1.GET("/health/sources", s.sourceHealth)
		v1.GET("/health/sources/stream", s.streamSourceHealth)
		v1.POST("/health/sources/:id/check", s.checkSource)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sourceView struct {
	ID            string          `json:"id"`
	Label         string          `json:"label"`
	Shape         collector.Shape `json:"shape"`
	RateSensitive bool            `json:"rateSensitive"`
	Proxies       []string        `json:"proxies"`
}

func (s *Server) listSources(c *gin.Context) {
	all := s.registry.All()
	out := make([]sourceView, 0, len(all))
	for _, d := range all {
		out = append(out, sourceView{
			ID:            d.ID,
			Label:         d.Label,
			Shape:         d.Shape,
			RateSensitive: d.RateSensitive,
			Proxies:       d.ProxyNames(),
		})
	}
	ok(c, out)
}

func (s *Server) getSnapshot(c *gin.Context) {
	snap, err := s.aggregator.Get(c.Request.Context())
	if err != nil {
		s.snapshotError(c, err)
		return
	}
	ok(c, snap)
}

func (s *Server) getCachedSnapshot(c *gin.Context) {
	snap, found := s.aggregator.GetCached(c.Request.Context())
	if !found {
		fail(c, http.StatusNotFound, "not_cached", "no valid cached snapshot", nil)
		return
	}
	ok(c, snap)
}

func (s *Server) refresh(c *gin.Context) {
	snap, err := s.aggregator.Refresh(c.Request.Context())
	if err != nil {
		s.snapshotError(c, err)
		return
	}
	ok(c, snap)
}

func (s *Server) retrySource(c *gin.Context) {
	res, err := s.aggregator.RetrySource(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, aggregator.ErrUnknownSource):
		fail(c, http.StatusNotFound, "unknown_source", err.Error(), nil)
	case err != nil:
		internalError(c)
	default:
		ok(c, res)
	}
}

// 全部失败时给出重试入口
func (s *Server) snapshotError(c *gin.Context, err error) {
	if errors.Is(err, aggregator.ErrAllSourcesFailed) {
		fail(c, http.StatusServiceUnavailable, "all_sources_failed", err.Error(), gin.H{
			"retry": "/api/v1/refresh",
		})
		return
	}
	internalError(c)
}

type healthView struct {
	Feeds             []storage.HealthRecord `json:"feeds"`
	Timestamp         *time.Time             `json:"timestamp,omitempty"`
	Cached            bool                   `json:"cached"`
	NextSyncInSeconds int64                  `json:"nextSyncInSeconds"`
}

// sourceHealth 只读缓存，不触发探测；倒计时每次请求重新计算
func (s *Server) sourceHealth(c *gin.Context) {
	report, found := s.monitor.Cached(c.Request.Context())
	if !found {
		ok(c, healthView{Feeds: s.monitor.Pending()})
		return
	}
	ts := report.Timestamp
	ok(c, healthView{
		Feeds:             report.Feeds,
		Timestamp:         &ts,
		Cached:            true,
		NextSyncInSeconds: int64(s.monitor.NextSync(report, s.clock.Now()).Seconds()),
	})
}

// streamSourceHealth 以 SSE 逐条推送探测结果：pending -> record... -> done
func (s *Server) streamSourceHealth(c *gin.Context) {
	ctx := c.Request.Context()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("pending", s.monitor.Pending())
	c.Writer.Flush()

	n := 0
	for rec := range s.monitor.CheckAll(ctx) {
		c.SSEvent("record", rec)
		c.Writer.Flush()
		n++
	}
	if ctx.Err() != nil {
		return
	}
	c.SSEvent("done", gin.H{"count": n})
	c.Writer.Flush()
}

func (s *Server) checkSource(c *gin.Context) {
	rec, err := s.monitor.CheckOne(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, health.ErrUnknownSource):
		fail(c, http.StatusNotFound, "unknown_source", err.Error(), nil)
	case err != nil:
		internalError(c)
	default:
		ok(c, rec)
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    data,
	})
}

func fail(c *gin.Context, status int, code, message string, data any) {
	body := gin.H{"code": code, "message": message}
	if data != nil {
		body["data"] = data
	}
	c.JSON(status, body)
}

func internalError(c *gin.Context) {
	fail(c, http.StatusInternalServerError, "internal_error", "internal server error", nil)
}
