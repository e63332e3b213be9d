// Package statusapi 提供只读的会话状态 HTTP 接口。
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/whaleconfirm/internal/session"
	"github.com/betbot/whaleconfirm/internal/trade"
)

var log = logrus.WithField("component", "statusapi")

// StatsProvider 会话状态来源，*session.Session 实现了它
type StatsProvider interface {
	Stats() session.Stats
}

// OrderQuerier 订单查询，*trade.Service 实现了它
type OrderQuerier interface {
	OrderDetail(ctx context.Context, orderID, accountNo string) (*trade.OrderDetail, error)
}

type Server struct {
	stats  StatsProvider
	orders OrderQuerier // 可以为 nil
}

func New(stats StatsProvider, orders OrderQuerier) *Server {
	return &Server{stats: stats, orders: orders}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.GET("/session", s.handleSession)
	v1.GET("/orders/:orderID", s.handleOrder)
	return r
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Stats())
}

func (s *Server) handleOrder(c *gin.Context) {
	if s.orders == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "order query disabled"})
		return
	}
	detail, err := s.orders.OrderDetail(c.Request.Context(), c.Param("orderID"), c.Query("account_no"))
	if err != nil {
		// 只有订单不存在映射为 404，其他业务错误（鉴权、权限等）原样透出 code
		var apiErr *trade.APIError
		if errors.As(err, &apiErr) {
			status := http.StatusBadGateway
			if apiErr.NotFound() {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": apiErr.Message, "code": apiErr.Code})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Run 在 addr 上提供服务直到 ctx 结束，然后优雅关闭
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("状态接口监听: %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
