package usagestats

import (
	"github.com/smallbiznis/agentmeter/internal/usagestats/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usagestats.service",
	fx.Provide(service.NewService),
)
