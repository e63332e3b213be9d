package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/whaleconfirm/internal/bus"
	"github.com/betbot/whaleconfirm/internal/execution"
	"github.com/betbot/whaleconfirm/internal/session"
	"github.com/betbot/whaleconfirm/internal/statusapi"
	"github.com/betbot/whaleconfirm/internal/trade"
	"github.com/betbot/whaleconfirm/pkg/config"
	"github.com/betbot/whaleconfirm/pkg/logger"
	"github.com/betbot/whaleconfirm/pkg/ratelimit"
	sdkhttp "github.com/betbot/whaleconfirm/pkg/sdk/http"
	"github.com/betbot/whaleconfirm/pkg/sdk/websocket"
	"github.com/betbot/whaleconfirm/pkg/shutdown"
)

var log = logrus.WithField("component", "main")

type options struct {
	configPath string
	symbol     string
	side       string
	orderType  string
	quantity   string
	price      string
	account    string
	currency   string
	timeout    time.Duration
	checkAsset bool
	keep       bool
}

func main() {
	// .env 尽力加载，不存在时直接用环境变量
	config.LoadDotEnv()

	var opts options
	flag.StringVar(&opts.configPath, "config", "", "config file (yaml/json, optional)")
	flag.StringVar(&opts.symbol, "symbol", "700.HK", "order symbol")
	flag.StringVar(&opts.side, "side", string(trade.OrderSideBuy), "Buy or Sell")
	flag.StringVar(&opts.orderType, "type", string(trade.OrderTypeMO), "order type (MO, LO, ELO, ...)")
	flag.StringVar(&opts.quantity, "qty", "100", "submitted quantity")
	flag.StringVar(&opts.price, "price", "", "submitted price (required by limit orders)")
	flag.StringVar(&opts.account, "account", "", "account no (default TEST_ACCOUNT)")
	flag.StringVar(&opts.currency, "currency", "HKD", "currency for the asset check")
	flag.DurationVar(&opts.timeout, "timeout", 0, "wait for the order push (default ORDER_TIMEOUT)")
	flag.BoolVar(&opts.checkAsset, "asset", true, "query account assets before submitting")
	flag.BoolVar(&opts.keep, "keep", false, "keep running (status api) after the order is confirmed")
	flag.Parse()

	if err := run(opts); err != nil {
		logrus.Errorf("验证失败: %v", err)
		os.Exit(1)
	}
	logrus.Info("验证成功")
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置无效: %w", err)
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
		Daily:      cfg.LogDaily,
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	req, err := buildOrder(opts, cfg)
	if err != nil {
		return err
	}
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = cfg.OrderTimeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	logger.StartRotationChecker(ctx)

	shutdowns := shutdown.NewManager()
	shutdowns.OnShutdown("logger", func(context.Context) error {
		logger.Close()
		return nil
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdowns.Shutdown(sctx); err != nil {
			logrus.Warnf("关闭时出错: %v", err)
		}
	}()

	// 交易接口 30 秒最多 30 次，其余接口每秒 10 次
	limits := ratelimit.NewManager(ratelimit.NewSlidingWindow(10, time.Second))
	limits.Set(sdkhttp.Endpoint("POST", trade.PathOrder), ratelimit.NewSlidingWindow(30, 30*time.Second))
	limits.Set(sdkhttp.Endpoint("GET", trade.PathOrder), ratelimit.NewSlidingWindow(30, 30*time.Second))

	httpClient := sdkhttp.NewClient(sdkhttp.Options{
		BaseURL: cfg.HTTPURL,
		Credentials: sdkhttp.Credentials{
			AppKey:      cfg.Credentials.AppKey,
			AppSecret:   cfg.Credentials.AppSecret,
			AccessToken: cfg.Credentials.AccessToken,
		},
		Language:   cfg.Language,
		RetryCount: 2,
		ProxyURL:   cfg.HTTPProxy,
		Limiter:    limits,
	})

	wsCfg := websocket.DefaultConfig()
	wsCfg.URL = cfg.TradeWSURL
	wsCfg.ProxyURL = cfg.HTTPProxy
	wsCfg.Language = cfg.Language
	ws := websocket.NewTradeClient(websocket.Credentials{
		AppKey:      cfg.Credentials.AppKey,
		AppSecret:   cfg.Credentials.AppSecret,
		AccessToken: cfg.Credentials.AccessToken,
	}, wsCfg)

	push := trade.NewPushChannel(ws)
	sess := session.New(httpClient, push, session.Options{
		Topics:             []bus.Topic{trade.TopicPrivate},
		EarlyEventWindow:   cfg.EarlyEventWindow,
		EarlyEventMaxItems: 1024,
	})
	push.Attach(sess.Bus())

	if err := ws.Start(ctx); err != nil {
		return fmt.Errorf("连接交易推送失败: %w", err)
	}
	shutdowns.OnShutdown("websocket", func(context.Context) error {
		ws.Stop()
		return nil
	})

	log.Info("订阅私有推送...")
	if err := sess.Start(ctx); err != nil {
		return err
	}
	shutdowns.OnShutdown("session", sess.Shutdown)

	svc := trade.NewService(httpClient, sess, execution.NewInFlightDeduper(2*timeout, 16), timeout)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	if cfg.StatusListen != "" {
		api := statusapi.New(sess, svc)
		g.Go(func() error { return api.Run(runCtx, cfg.StatusListen) })
	}

	g.Go(func() error {
		err := verify(runCtx, svc, req, opts, timeout)
		if err != nil || !opts.keep {
			cancelRun()
			return err
		}
		log.Info("订单已确认，继续运行直到收到退出信号")
		<-runCtx.Done()
		return nil
	})

	return g.Wait()
}

func buildOrder(opts options, cfg *config.Config) (trade.SubmitOrderRequest, error) {
	qty, err := decimal.NewFromString(opts.quantity)
	if err != nil {
		return trade.SubmitOrderRequest{}, fmt.Errorf("数量无效 %q: %w", opts.quantity, err)
	}
	req := trade.SubmitOrderRequest{
		Symbol:            opts.symbol,
		OrderType:         trade.OrderType(opts.orderType),
		Side:              trade.OrderSide(opts.side),
		SubmittedQuantity: qty,
		TimeInForce:       trade.TimeInForceDay,
		AccountNo:         opts.account,
	}
	if req.AccountNo == "" {
		req.AccountNo = cfg.AccountNo
	}
	if opts.price != "" {
		price, err := decimal.NewFromString(opts.price)
		if err != nil {
			return trade.SubmitOrderRequest{}, fmt.Errorf("价格无效 %q: %w", opts.price, err)
		}
		req.SubmittedPrice = &price
	}
	return req, req.Validate()
}

func verify(ctx context.Context, svc *trade.Service, req trade.SubmitOrderRequest, opts options, timeout time.Duration) error {
	if opts.checkAsset {
		asset, err := svc.AssetDetail(ctx, req.AccountNo, opts.currency)
		if err != nil {
			// 资产查询失败不影响下单验证
			log.Warnf("查询资产失败: %v", err)
		} else {
			log.Infof("账户资产: account=%s currency=%s total_cash=%s buy_power=%s",
				asset.AccountNo, asset.Currency, asset.TotalCash, asset.BuyPower)
		}
	}

	log.Infof("提交订单并等待推送 (timeout=%v)", timeout)
	order, err := svc.SubmitOrder(ctx, req, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("已取消: %w", err)
		}
		return err
	}
	log.Infof("收到订单推送: %s", order)

	detail, err := svc.OrderDetail(ctx, order.OrderID, req.AccountNo)
	if err != nil {
		log.Warnf("查询订单详情失败: %v", err)
		return nil
	}
	log.Infof("订单详情: order_id=%s status=%s executed=%s", detail.OrderID, detail.Status, detail.ExecutedQuantity)
	return nil
}
