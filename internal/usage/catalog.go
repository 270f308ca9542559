package usage

import (
	"github.com/smallbiznis/agentmeter/internal/config"
	usagedomain "github.com/smallbiznis/agentmeter/internal/usage/domain"
)

// holderCatalog applies the hot-reloaded price overrides to the built-in catalog.
type holderCatalog struct {
	holder *config.CatalogHolder
}

func NewCatalogSource(holder *config.CatalogHolder) usagedomain.CatalogSource {
	return holderCatalog{holder: holder}
}

func (c holderCatalog) Catalog() usagedomain.Catalog {
	return usagedomain.DefaultCatalog().WithPriceOverrides(c.holder.Get().Prices)
}
