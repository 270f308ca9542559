package usage

import (
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/agentmeter/internal/usage/repository"
	"github.com/smallbiznis/agentmeter/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	repository.Module,
	fx.Provide(NewCatalogSource),
	fx.Provide(newValidator),
	fx.Provide(service.NewService),
)

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}
