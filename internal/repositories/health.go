package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kroypata/checkout/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// Probe checks one downstream dependency. A failing critical probe marks the service unready;
// other failures only degrade it.
type Probe struct {
	Name     string
	Timeout  time.Duration
	Critical bool
	Check    func(context.Context) error
}

// ProbeOption customises the probe-backed health repository.
type ProbeOption func(*probeHealthRepository)

// WithProbeTimeout overrides the timeout applied when a probe omits its own.
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(repo *probeHealthRepository) {
		if timeout > 0 {
			repo.defaultTimeout = timeout
		}
	}
}

// WithProbeClock injects a clock for tests.
func WithProbeClock(clock func() time.Time) ProbeOption {
	return func(repo *probeHealthRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type probeHealthRepository struct {
	probes         []Probe
	defaultTimeout time.Duration
	now            func() time.Time
}

var _ HealthRepository = (*probeHealthRepository)(nil)

// NewProbeHealthRepository validates the probe set and returns a HealthRepository running them concurrently.
func NewProbeHealthRepository(probes []Probe, opts ...ProbeOption) (HealthRepository, error) {
	if len(probes) == 0 {
		return nil, errors.New("health repository: at least one probe is required")
	}
	seen := make(map[string]struct{}, len(probes))
	for _, probe := range probes {
		name := strings.TrimSpace(probe.Name)
		if name == "" {
			return nil, errors.New("health repository: probe name is required")
		}
		if probe.Check == nil {
			return nil, fmt.Errorf("health repository: probe %s has no check", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("health repository: duplicate probe %s", name)
		}
		seen[name] = struct{}{}
	}

	repo := &probeHealthRepository{
		probes:         append([]Probe(nil), probes...),
		defaultTimeout: defaultProbeTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *probeHealthRepository) Collect(ctx context.Context) (domain.HealthReport, error) {
	if ctx == nil {
		return domain.HealthReport{}, errors.New("health repository: context is required")
	}

	results := make(map[string]domain.HealthCheck, len(r.probes))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, probe := range r.probes {
		wg.Add(1)
		go func(probe Probe) {
			defer wg.Done()
			check := r.run(ctx, probe)
			mu.Lock()
			results[probe.Name] = check
			mu.Unlock()
		}(probe)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, probe := range r.probes {
		check := results[probe.Name]
		if check.Status == domain.HealthStatusOK {
			continue
		}
		if probe.Critical {
			status = domain.HealthStatusError
			break
		}
		status = domain.HealthStatusDegraded
	}

	return domain.HealthReport{
		Status:      status,
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}

func (r *probeHealthRepository) run(ctx context.Context, probe Probe) domain.HealthCheck {
	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := probe.Check(probeCtx)
	end := r.now()

	check := domain.HealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	if err == nil && probeCtx.Err() != nil {
		err = probeCtx.Err()
	}
	if err == nil {
		return check
	}

	check.Status = domain.HealthStatusDegraded
	check.Detail = err.Error()
	check.Error = err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		check.Status = domain.HealthStatusError
		check.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		check.Status = domain.HealthStatusError
		check.Detail = "cancelled"
	}
	return check
}
