package commission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"zigbee-profiles/internal/profile"
)

// Status is the outcome of commissioning one endpoint.
type Status string

const (
	StatusOK              Status = "ok"
	StatusNotFound        Status = "not_found"
	StatusBindFailed      Status = "bind_failed"
	StatusConfigureFailed Status = "configure_failed"
	StatusCanceled        Status = "canceled"
)

// EndpointResult records what happened on one endpoint.
type EndpointResult struct {
	Name       string   `json:"name,omitempty"`
	Address    uint8    `json:"address"`
	Status     Status   `json:"status"`
	Bound      []string `json:"bound,omitempty"`
	Configured int      `json:"configured"`
	Error      string   `json:"error,omitempty"`

	errs []error
}

// Err joins every error recorded for the endpoint.
func (e *EndpointResult) Err() error {
	return errors.Join(e.errs...)
}

// Retryable reports whether the endpoint failed and a retry could help.
func (e *EndpointResult) Retryable() bool {
	return e.Status == StatusBindFailed || e.Status == StatusConfigureFailed
}

func (e *EndpointResult) fail(status Status, err error) {
	if e.Status == "" || e.Status == StatusOK {
		e.Status = status
	}
	e.errs = append(e.errs, err)
	e.Error = e.Err().Error()
}

func (e *EndpointResult) cancel() {
	if e.Status == "" || e.Status == StatusOK {
		e.Status = StatusCanceled
	}
}

// Result is the outcome of one Run.
type Result struct {
	Device    string            `json:"device"`
	Profile   string            `json:"profile"`
	Scripted  bool              `json:"scripted,omitempty"`
	Endpoints []*EndpointResult `json:"endpoints"`
	Started   time.Time         `json:"started"`
	Duration  time.Duration     `json:"duration"`

	// abort is set when the run stopped early: context cancellation or a
	// script error not tied to an endpoint.
	abort error
}

// Err returns nil when every endpoint succeeded, otherwise all failures joined.
func (r *Result) Err() error {
	var errs []error
	for _, ep := range r.Endpoints {
		errs = append(errs, ep.errs...)
	}
	if r.abort != nil {
		errs = append(errs, r.abort)
	}
	return errors.Join(errs...)
}

// Succeeded returns the addresses of endpoints that completed.
func (r *Result) Succeeded() []uint8 {
	var out []uint8
	for _, ep := range r.Endpoints {
		if ep.Status == StatusOK {
			out = append(out, ep.Address)
		}
	}
	return out
}

// Retryable returns the addresses of endpoints that failed transiently.
func (r *Result) Retryable() []uint8 {
	var out []uint8
	for _, ep := range r.Endpoints {
		if ep.Retryable() {
			out = append(out, ep.Address)
		}
	}
	return out
}

// Partial reports whether some endpoints succeeded and others failed.
func (r *Result) Partial() bool {
	ok := len(r.Succeeded())
	return ok > 0 && (ok < len(r.Endpoints) || r.abort != nil)
}

// Canceled reports whether the run was stopped by its context.
func (r *Result) Canceled() bool {
	return r.abort != nil && (errors.Is(r.abort, context.Canceled) || errors.Is(r.abort, context.DeadlineExceeded))
}

// Endpoint returns the result for addr, or nil.
func (r *Result) Endpoint(addr uint8) *EndpointResult {
	for _, ep := range r.Endpoints {
		if ep.Address == addr {
			return ep
		}
	}
	return nil
}

func (r *Result) endpoint(addr uint8, name string) *EndpointResult {
	if ep := r.Endpoint(addr); ep != nil {
		return ep
	}
	ep := &EndpointResult{Name: name, Address: addr}
	r.Endpoints = append(r.Endpoints, ep)
	return ep
}

type options struct {
	only       map[uint8]bool
	logger     *slog.Logger
	onEndpoint func(EndpointResult)
}

// Option configures a Run.
type Option func(*options)

// Only restricts a run to the given endpoint addresses.
func Only(addrs ...uint8) Option {
	return func(o *options) {
		o.only = make(map[uint8]bool, len(addrs))
		for _, a := range addrs {
			o.only[a] = true
		}
	}
}

// WithLogger sets the logger for the run.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// OnEndpoint registers fn to be called once per finished endpoint.
func OnEndpoint(fn func(EndpointResult)) Option {
	return func(o *options) { o.onEndpoint = fn }
}

func (o *options) selected(addr uint8) bool {
	return o.only == nil || o.only[addr]
}

// Run commissions device according to p. For each declared endpoint, in
// declaration order, it resolves the endpoint, binds its clusters to
// coordinator and configures reporting for each capability. A missing
// endpoint or failed bind skips the rest of that endpoint; processing
// continues with the next one. Run does not retry.
//
// Profiles carrying a configure script run the script instead.
func Run(ctx context.Context, host Host, device Device, coordinator Endpoint, p *profile.DeviceProfile, opts ...Option) *Result {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger.With("ieee", device.IEEE(), "profile", p.ID())

	res := &Result{
		Device:  device.IEEE(),
		Profile: p.Model,
		Started: time.Now(),
	}
	defer func() { res.Duration = time.Since(res.Started) }()

	if p.Configure != "" {
		res.Scripted = true
		runScript(ctx, host, device, coordinator, p, o, logger, res)
		return res
	}

	for _, plan := range p.Plan() {
		if !o.selected(plan.Address) {
			continue
		}
		if err := ctx.Err(); err != nil {
			res.abort = err
			break
		}
		ep := res.endpoint(plan.Address, plan.Name)
		err := commissionEndpoint(ctx, host, device, coordinator, plan, ep, logger)
		if o.onEndpoint != nil {
			o.onEndpoint(*ep)
		}
		if err != nil {
			res.abort = err
			break
		}
	}

	if err := res.Err(); err != nil {
		logger.Warn("commissioning incomplete", "ok", len(res.Succeeded()), "endpoints", len(res.Endpoints), "err", err)
	} else {
		logger.Info("commissioning complete", "endpoints", len(res.Endpoints))
	}
	return res
}

// commissionEndpoint runs bind and configure on one endpoint, recording the
// outcome in res. It returns the context error if ctx ended mid-way.
func commissionEndpoint(ctx context.Context, host Host, device Device, coordinator Endpoint, plan profile.EndpointPlan, res *EndpointResult, logger *slog.Logger) error {
	logger = logger.With("ep", plan.Address)

	ep, err := device.Endpoint(plan.Address)
	if err != nil {
		res.fail(StatusNotFound, &EndpointNotFoundError{Device: device.IEEE(), Address: plan.Address, Err: err})
		logger.Warn("endpoint not found", "err", err)
		return nil
	}

	if err := host.Bind(ctx, ep, coordinator, plan.Clusters); err != nil {
		if ctx.Err() != nil {
			res.cancel()
			return ctx.Err()
		}
		res.fail(StatusBindFailed, &BindFailureError{Endpoint: ep, Clusters: plan.Clusters, Err: err})
		logger.Warn("bind failed", "clusters", plan.Clusters, "err", err)
		return nil
	}
	res.Bound = append(res.Bound, plan.Clusters...)
	logger.Debug("bound", "clusters", plan.Clusters)

	for _, step := range plan.Steps {
		rep := Reporting{
			Cluster:   step.Cluster,
			Attribute: step.Attribute,
			Min:       step.Reporting.Min,
			Max:       step.Reporting.Max,
			Change:    step.Reporting.Change,
		}
		if err := host.ConfigureReporting(ctx, ep, rep); err != nil {
			if ctx.Err() != nil {
				res.cancel()
				return ctx.Err()
			}
			res.fail(StatusConfigureFailed, &ConfigurationFailureError{Endpoint: ep, Reporting: rep, Err: err})
			logger.Warn("configure reporting failed", "reporting", rep.String(), "err", err)
			continue
		}
		res.Configured++
		logger.Debug("reporting configured", "reporting", rep.String())
	}
	if res.Status == "" {
		res.Status = StatusOK
	}
	return nil
}
