//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"CircuitLane/internal/biz"
	"CircuitLane/internal/conf"
	"CircuitLane/internal/data"
	"CircuitLane/internal/server"
	"CircuitLane/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Server, *conf.Data, *conf.Sync, []*conf.Backend, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		data.ProviderSet,
		biz.ProviderSet,
		service.ProviderSet,
		server.ProviderSet,
		provideWorkerID,
		newRegistry,
		newApp,
	))
}
