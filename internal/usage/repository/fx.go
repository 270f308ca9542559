package repository

import "go.uber.org/fx"

var Module = fx.Module("usage.repository",
	fx.Provide(Provide),
)
