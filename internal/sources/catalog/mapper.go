package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrSnakeDoc/wake/internal/domain"
)

// Mapper converts a services file into domain.Service records.
type Mapper struct {
	base Defaults
}

// NewMapper creates a mapper. base holds the process-wide defaults; the file's
// own defaults block overrides them.
func NewMapper(base Defaults) *Mapper {
	return &Mapper{base: base}
}

// MapServices validates every definition and returns the records to register.
// The whole file is rejected on the first batch of errors so a bad edit never
// unregisters services that were fine before.
func (m *Mapper) MapServices(f File) ([]domain.Service, error) {
	defaults := merge(f.Defaults, m.base)

	var (
		services []domain.Service
		errs     []error
		ids      = make(map[string]int)
		routes   = make(map[domain.RouteKey]string)
	)

	for i, def := range f.Services {
		if def.Disabled {
			continue
		}

		svc := m.mapOne(def, defaults)
		if err := svc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("services[%d]: %w", i, err))
			continue
		}

		if prev, dup := ids[svc.ID]; dup {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate id %q (first at services[%d])", i, svc.ID, prev))
			continue
		}
		ids[svc.ID] = i

		// one route per service
		if owner, dup := routes[svc.Route]; dup {
			errs = append(errs, fmt.Errorf("services[%d]: route %s already used by %s", i, svc.Route, owner))
			continue
		}
		routes[svc.Route] = svc.ID

		services = append(services, svc)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid services file: %w", errors.Join(errs...))
	}
	return services, nil
}

func (m *Mapper) mapOne(def ServiceDef, d Defaults) domain.Service {
	id := strings.TrimSpace(def.ID)
	ref := strings.TrimSpace(def.Container)
	if ref == "" {
		ref = id
	}

	up := domain.Upstream{
		Scheme:  firstNonEmpty(def.Upstream.Scheme, d.Scheme),
		Host:    def.Upstream.Host,
		Port:    def.Upstream.Port,
		Network: firstNonEmpty(def.Upstream.Network, d.Network),
	}

	hc := def.HealthCheck
	return domain.Service{
		ID:           id,
		ContainerRef: ref,
		Route:        domain.RouteKey{Host: def.Host, PathPrefix: def.PathPrefix}.Normalize(),
		Upstream:     up,
		IdleTimeout:  orDuration(def.IdleTimeout, d.IdleTimeout),
		WakeTimeout:  orDuration(def.WakeTimeout, d.WakeTimeout),
		HealthCheck: domain.HealthCheck{
			Target:      firstNonEmpty(hc.Target, d.HealthCheck.Target),
			Path:        firstNonEmpty(hc.Path, d.HealthCheck.Path),
			Interval:    orDuration(hc.Interval, d.HealthCheck.Interval),
			MaxAttempts: orInt(hc.MaxAttempts, d.HealthCheck.MaxAttempts),
			Timeout:     orDuration(hc.Timeout, d.HealthCheck.Timeout),
		},
	}
}

// merge fills the empty fields of top from base.
func merge(top, base Defaults) Defaults {
	return Defaults{
		IdleTimeout: orDuration(top.IdleTimeout, base.IdleTimeout),
		WakeTimeout: orDuration(top.WakeTimeout, base.WakeTimeout),
		Scheme:      firstNonEmpty(top.Scheme, base.Scheme),
		Network:     firstNonEmpty(top.Network, base.Network),
		HealthCheck: HealthDef{
			Target:      firstNonEmpty(top.HealthCheck.Target, base.HealthCheck.Target),
			Path:        firstNonEmpty(top.HealthCheck.Path, base.HealthCheck.Path),
			Interval:    orDuration(top.HealthCheck.Interval, base.HealthCheck.Interval),
			MaxAttempts: orInt(top.HealthCheck.MaxAttempts, base.HealthCheck.MaxAttempts),
			Timeout:     orDuration(top.HealthCheck.Timeout, base.HealthCheck.Timeout),
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
