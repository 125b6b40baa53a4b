package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "github.com/kroypata/checkout/internal/domain"
	"github.com/kroypata/checkout/internal/repositories"
)

// BuildInfo identifies the running binary on health responses.
type BuildInfo struct {
	Version     string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps configures NewSystemService. CacheTTL > 0 reuses a collected report for
// that long so frequent readiness probes do not fan out to every backend.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	CacheTTL         time.Duration
}

type systemService struct {
	probes repositories.HealthRepository
	now    func() time.Time
	build  BuildInfo
	ttl    time.Duration

	flight singleflight.Group
	mu     sync.Mutex
	cached domain.HealthReport
	expiry time.Time
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	svc := &systemService{
		probes: deps.HealthRepository,
		now:    func() time.Time { return clock().UTC() },
		build:  deps.Build,
		ttl:    deps.CacheTTL,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	return svc, nil
}

// HealthReport collects probe results, concurrent callers sharing one collection.
func (s *systemService) HealthReport(ctx context.Context) (HealthReport, error) {
	if ctx == nil {
		return HealthReport{}, errors.New("system service: context is required")
	}
	if report, ok := s.fromCache(); ok {
		return s.decorate(report), nil
	}

	value, err, _ := s.flight.Do("health", func() (any, error) {
		report, err := s.probes.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if s.ttl > 0 {
			s.mu.Lock()
			s.cached, s.expiry = report, s.now().Add(s.ttl)
			s.mu.Unlock()
		}
		return report, nil
	})
	if err != nil {
		return HealthReport{}, err
	}
	return s.decorate(value.(domain.HealthReport)), nil
}

func (s *systemService) fromCache() (domain.HealthReport, bool) {
	if s.ttl <= 0 {
		return domain.HealthReport{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiry.IsZero() || !s.now().Before(s.expiry) {
		return domain.HealthReport{}, false
	}
	return s.cached, true
}

// decorate fills build metadata and derives a status when the repository left it blank.
func (s *systemService) decorate(report domain.HealthReport) HealthReport {
	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.HealthCheck{}
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}
	return report
}

func worstStatus(checks map[string]domain.HealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		if check.Status == domain.HealthStatusError {
			return domain.HealthStatusError
		}
		if check.Status == domain.HealthStatusDegraded {
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
