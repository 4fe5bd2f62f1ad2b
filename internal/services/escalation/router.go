package escalation

import (
	"context"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
)

type ProviderSource interface {
	ListActiveProviders(ctx context.Context) ([]*models.Provider, error)
}

// Router сопоставляет координаты события со службами реагирования.
type Router struct {
	src ProviderSource
}

func NewRouter(src ProviderSource) *Router {
	return &Router{src: src}
}

// Select возвращает ранжированный список провайдеров для точки. Геозоны
// проверяются в порядке приоритета (город раньше страны), затем идут
// глобальные дефолты без геозоны. Выбор детерминирован: для одних и тех же
// координат список всегда одинаковый. Пока в системе есть хоть один активный
// провайдер, список не пуст; иначе ErrNoProviderAvailable.
func (r *Router) Select(ctx context.Context, loc models.Location) ([]*models.Provider, error) {
	all, err := r.src.ListActiveProviders(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, models.ErrNoProviderAvailable
	}

	// all уже отсортирован хранилищем по (priority, id).
	matched := make([]*models.Provider, 0, len(all))
	defaults := make([]*models.Provider, 0, len(all))
	for _, p := range all {
		switch {
		case p.Region == nil:
			defaults = append(defaults, p)
		case p.Region.Contains(loc.Lat, loc.Lng):
			matched = append(matched, p)
		}
	}

	out := append(matched, defaults...)
	if len(out) == 0 {
		// Ни одна геозона не совпала и глобальных дефолтов нет —
		// деградируем до первого активного провайдера.
		out = all[:1]
	}
	return out, nil
}
