package server

import (
	"CircuitLane/internal/conf"
	"CircuitLane/internal/server/middleware"
	"CircuitLane/internal/service"
	pkglog "CircuitLane/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// NewHTTPServer new an HTTP server serving the operator API.
func NewHTTPServer(c *conf.Server, operator *service.OperatorService, logger log.Logger) *http.Server {
	logHelper := pkglog.NewLogHelper(logger)

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.AdminAuth(c.Http.AdminToken, logHelper),
			middleware.Logging(logHelper),
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout != nil {
		opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
	}
	srv := http.NewServer(opts...)

	registerRoutes(srv, operator)

	return srv
}

type setPriorityRequest struct {
	Priority int `json:"priority"`
}

// registerRoutes wires the operator endpoints onto the server.
func registerRoutes(srv *http.Server, operator *service.OperatorService) {
	root := srv.Route("/")
	root.GET("/healthz", func(ctx http.Context) error {
		return ctx.Result(200, operator.Health(ctx))
	})

	v1 := srv.Route("/v1")

	v1.GET("/breakers", func(ctx http.Context) error {
		return ctx.Result(200, operator.ListBreakers(ctx))
	})

	v1.GET("/breakers/{name}", func(ctx http.Context) error {
		view, err := operator.GetBreaker(ctx, ctx.Vars().Get("name"))
		if err != nil {
			return err
		}
		return ctx.Result(200, view)
	})

	v1.POST("/breakers/{name}/reset", func(ctx http.Context) error {
		view, err := operator.ResetBreaker(ctx, ctx.Vars().Get("name"))
		if err != nil {
			return err
		}
		return ctx.Result(200, view)
	})

	v1.POST("/breakers/reset", func(ctx http.Context) error {
		return ctx.Result(200, operator.ResetAll(ctx))
	})

	v1.PUT("/backends/{name}/priority", func(ctx http.Context) error {
		var req setPriorityRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		view, err := operator.SetPriority(ctx, ctx.Vars().Get("name"), req.Priority)
		if err != nil {
			return err
		}
		return ctx.Result(200, view)
	})

	v1.GET("/stats", func(ctx http.Context) error {
		return ctx.Result(200, operator.Stats(ctx))
	})
}
