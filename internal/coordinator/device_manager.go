package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"zigbee-profiles/internal/commission"
	"zigbee-profiles/internal/gateway"
	"zigbee-profiles/internal/profile"
	"zigbee-profiles/internal/store"
)

// ErrNoProfile is returned when no profile recognizes a device's model.
var ErrNoProfile = errors.New("no profile for model")

type runEntry struct {
	cancel context.CancelFunc
	gen    uint64
	// done is closed when the run goroutine has returned.
	done chan struct{}
}

// DeviceManager handles the device lifecycle (join, interview, leave) and
// runs commissioning with retry.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// Run cancellation: tracks active commissioning cancel funcs by IEEE.
	runMu   sync.Mutex
	runs    map[string]runEntry
	runGen  atomic.Uint64
	runWg   sync.WaitGroup
	stopped bool

	// Debounce duplicate interview events (gateway restarts replay them).
	lastMu        sync.Mutex
	lastInterview map[string]time.Time
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:         coord,
		logger:        coord.logger.With("component", "device_manager"),
		runs:          make(map[string]runEntry),
		lastInterview: make(map[string]time.Time),
	}
}

// CancelAll cancels all running commissioning goroutines and waits for them.
func (dm *DeviceManager) CancelAll() {
	dm.runMu.Lock()
	dm.stopped = true
	for ieee, entry := range dm.runs {
		entry.cancel()
		delete(dm.runs, ieee)
	}
	dm.runMu.Unlock()
	dm.runWg.Wait()
}

// Running reports whether a commissioning run for ieee is in progress.
func (dm *DeviceManager) Running(ieee string) bool {
	dm.runMu.Lock()
	defer dm.runMu.Unlock()
	_, ok := dm.runs[ieee]
	return ok
}

// cancelRun cancels the run for ieee, if any, and returns a channel closed
// once it has returned. The channel is nil when nothing was running.
func (dm *DeviceManager) cancelRun(ieee string) <-chan struct{} {
	dm.runMu.Lock()
	defer dm.runMu.Unlock()
	entry, ok := dm.runs[ieee]
	if !ok {
		return nil
	}
	entry.cancel()
	delete(dm.runs, ieee)
	return entry.done
}

// deviceName returns a human-readable display name for a device.
func deviceName(dev *store.Device) string {
	if dev == nil {
		return ""
	}
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" || dev.ModelID != "" {
		name := dev.Manufacturer
		if dev.ModelID != "" {
			if name != "" {
				name += " "
			}
			name += dev.ModelID
		}
		return name
	}
	return ""
}

// HandleJoined records a joined device as pending.
func (dm *DeviceManager) HandleJoined(evt gateway.DeviceJoinedEvent) {
	ieee := evt.IEEEAddress
	now := time.Now()

	dev, err := dm.coord.Store().GetDevice(ieee)
	if err == nil {
		// Rejoin: keep the commissioning record.
		dev.LastSeen = now
	} else {
		if !errors.Is(err, store.ErrNotFound) {
			dm.logger.Error("get device on join", "err", err, "ieee", ieee)
			return
		}
		dev = &store.Device{
			IEEEAddress: ieee,
			JoinedAt:    now,
			LastSeen:    now,
			Commission:  store.CommissionState{Status: store.StatusPending, UpdatedAt: now},
		}
	}
	if evt.FriendlyName != "" {
		dev.FriendlyName = evt.FriendlyName
	}

	dm.logger.Info("device joined", "ieee", ieee, "name", deviceName(dev))

	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		dm.logger.Error("save device", "err", err, "ieee", ieee)
		return
	}

	dm.coord.Events().Emit(Event{
		Type: EventDeviceJoined,
		Data: DeviceEvent{IEEE: ieee, FriendlyName: dev.FriendlyName},
	})
}

// HandleInterviewed looks up the profile for an interviewed device and
// starts commissioning unless it is already configured under the same
// profile fingerprint.
func (dm *DeviceManager) HandleInterviewed(evt gateway.DeviceInterviewedEvent) {
	ieee := evt.IEEEAddress
	now := time.Now()

	p := dm.coord.Profiles().Lookup(evt.ModelID)

	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			dm.logger.Error("get device on interview", "err", err, "ieee", ieee)
			return
		}
		dev = &store.Device{
			IEEEAddress: ieee,
			JoinedAt:    now,
			Commission:  store.CommissionState{Status: store.StatusPending, UpdatedAt: now},
		}
	}
	dev.LastSeen = now
	dev.Interviewed = true
	dev.ModelID = evt.ModelID
	dev.Manufacturer = evt.Manufacturer
	if evt.FriendlyName != "" {
		dev.FriendlyName = evt.FriendlyName
	}
	if p == nil {
		dev.Profile = ""
		dev.Commission = store.CommissionState{Status: store.StatusUnsupported, UpdatedAt: now}
	} else {
		dev.Profile = p.Model
	}
	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		dm.logger.Error("save device on interview", "err", err, "ieee", ieee)
		return
	}

	dm.coord.Events().Emit(Event{
		Type: EventDeviceInterviewed,
		Data: DeviceEvent{IEEE: ieee, FriendlyName: dev.FriendlyName, ModelID: dev.ModelID, Profile: dev.Profile},
	})

	if p == nil {
		dm.logger.Info("no profile found, skipping commissioning",
			"ieee", ieee, "name", deviceName(dev), "model", evt.ModelID, "manufacturer", evt.Manufacturer)
		return
	}
	if dev.Commission.Configured(p.Fingerprint()) {
		dm.logger.Info("device already configured", "ieee", ieee, "name", deviceName(dev), "profile", p.ID())
		return
	}

	// Debounce: avoid duplicate runs from replayed interview events.
	dm.lastMu.Lock()
	if last, ok := dm.lastInterview[ieee]; ok && time.Since(last) < dm.coord.Config().Debounce {
		dm.lastMu.Unlock()
		dm.logger.Debug("duplicate interview event, commissioning already started", "ieee", ieee)
		return
	}
	dm.lastInterview[ieee] = now
	// Evict stale entries to prevent unbounded growth.
	if len(dm.lastInterview) > 50 {
		for k, t := range dm.lastInterview {
			if time.Since(t) > time.Minute {
				delete(dm.lastInterview, k)
			}
		}
	}
	dm.lastMu.Unlock()

	dm.start(ieee, p)
}

// HandleLeft cancels any commissioning run for the device and deletes its
// record.
func (dm *DeviceManager) HandleLeft(evt gateway.DeviceLeftEvent) {
	ieee := evt.IEEEAddress
	dev, _ := dm.coord.Store().GetDevice(ieee)
	name := deviceName(dev)
	dm.logger.Info("device left", "ieee", ieee, "name", name)

	if done := dm.cancelRun(ieee); done != nil {
		<-done
	}

	dm.lastMu.Lock()
	delete(dm.lastInterview, ieee)
	dm.lastMu.Unlock()

	if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		dm.logger.Error("delete device on leave", "err", err, "ieee", ieee)
	}

	dm.coord.Events().Emit(Event{
		Type: EventDeviceLeft,
		Data: DeviceEvent{IEEE: ieee, FriendlyName: evt.FriendlyName},
	})
}

// Recommission forces a new commissioning run for a known device, replacing
// any run in progress.
func (dm *DeviceManager) Recommission(ieee string) error {
	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	p := dm.coord.Profiles().Lookup(dev.ModelID)
	if p == nil {
		return fmt.Errorf("device %s model %q: %w", ieee, dev.ModelID, ErrNoProfile)
	}
	dm.logger.Info("recommission requested", "ieee", ieee, "name", deviceName(dev), "profile", p.ID())
	dm.start(ieee, p)
	return nil
}

// Forget cancels any run for the device and deletes its record without
// touching the network.
func (dm *DeviceManager) Forget(ieee string) error {
	if _, err := dm.coord.Store().GetDevice(ieee); err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	if done := dm.cancelRun(ieee); done != nil {
		<-done
	}
	if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// Reconcile walks the gateway inventory and commissions interviewed devices
// that are not configured under their current profile.
func (dm *DeviceManager) Reconcile() {
	for _, d := range dm.coord.Gateway().Devices() {
		if d.Type == "Coordinator" || !d.Interviewed {
			continue
		}
		dm.HandleInterviewed(gateway.DeviceInterviewedEvent{
			IEEEAddress:  d.IEEEAddress,
			FriendlyName: d.FriendlyName,
			ModelID:      d.ModelID,
			Manufacturer: d.Manufacturer,
		})
	}
}

func (dm *DeviceManager) start(ieee string, p *profile.DeviceProfile) {
	dm.runMu.Lock()
	defer dm.runMu.Unlock()
	if dm.stopped {
		return
	}
	// Cancel any previous run for this device.
	if prev, ok := dm.runs[ieee]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithTimeout(dm.coord.Context(), dm.coord.Config().RunTimeout)
	gen := dm.runGen.Add(1)
	done := make(chan struct{})
	dm.runs[ieee] = runEntry{cancel: cancel, gen: gen, done: done}

	dm.runWg.Add(1)
	go func() {
		defer close(done)
		dm.run(ctx, cancel, gen, ieee, p)
	}()
}

// run commissions one device, retrying transiently failed endpoints with
// exponential backoff.
func (dm *DeviceManager) run(ctx context.Context, cancel context.CancelFunc, gen uint64, ieee string, p *profile.DeviceProfile) {
	defer func() {
		dm.runMu.Lock()
		if entry, ok := dm.runs[ieee]; ok && entry.gen == gen {
			delete(dm.runs, ieee)
		}
		dm.runMu.Unlock()
		cancel()
		dm.runWg.Done()
	}()

	commissionInFlight.Inc()
	defer commissionInFlight.Dec()

	started := time.Now()
	logger := dm.logger.With("ieee", ieee, "profile", p.ID())
	cfg := dm.coord.Config()
	gw := dm.coord.Gateway()

	r := &runState{profile: p, outcomes: make(map[uint8]commission.EndpointResult)}

	info, err := gw.Device(ctx, ieee)
	if err != nil {
		dm.finish(ctx, gen, ieee, r, fmt.Errorf("wait for device: %w", err), started, logger)
		return
	}
	coordEP, err := gw.Coordinator(ctx)
	if err != nil {
		dm.finish(ctx, gen, ieee, r, fmt.Errorf("coordinator endpoint: %w", err), started, logger)
		return
	}

	dm.updateCommission(ieee, func(c *store.CommissionState) {
		c.Status = store.StatusRunning
		c.Attempts = 0
		c.LastError = ""
	})
	dm.coord.Events().Emit(Event{
		Type: EventCommissionStarted,
		Data: CommissionEvent{IEEE: ieee, FriendlyName: info.FriendlyName, Profile: p.Model, Status: store.StatusRunning},
	})
	logger.Info("commissioning started", "name", info.FriendlyName, "endpoints", info.EndpointIDs())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryInitial
	b.MaxInterval = cfg.RetryMax

	var only []uint8
	_, err = backoff.Retry(ctx, func() (*commission.Result, error) {
		r.attempt++
		attempt := r.attempt
		opts := []commission.Option{
			commission.WithLogger(logger),
			commission.OnEndpoint(func(res commission.EndpointResult) {
				commissionEndpoints.WithLabelValues(p.Model, string(res.Status)).Inc()
				dm.coord.Events().Emit(Event{
					Type: EventCommissionEndpoint,
					Data: EndpointEvent{IEEE: ieee, Attempt: attempt, Result: res},
				})
			}),
		}
		if only != nil {
			opts = append(opts, commission.Only(only...))
		}

		res := commission.Run(ctx, gw, info, coordEP, p, opts...)
		r.merge(res)

		err := res.Err()
		if err == nil {
			return res, nil
		}
		if res.Canceled() {
			return res, backoff.Permanent(err)
		}
		retry := res.Retryable()
		if len(retry) == 0 {
			return res, backoff.Permanent(err)
		}
		// A script stops at its first failure, so retry all of it.
		if !res.Scripted {
			only = retry
		} else {
			only = nil
		}
		r.pending = retry
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(cfg.RunTimeout),
		backoff.WithNotify(func(err error, delay time.Duration) {
			commissionRetries.WithLabelValues(p.Model).Inc()
			logger.Info("commissioning will retry", "attempt", r.attempt, "endpoints", r.pending, "delay", delay, "err", err)
			dm.coord.Events().Emit(Event{
				Type: EventCommissionRetry,
				Data: RetryEvent{IEEE: ieee, Attempt: r.attempt, Endpoints: r.pending, Delay: delay.String(), Error: err.Error()},
			})
		}),
	)

	dm.finish(ctx, gen, ieee, r, err, started, logger)
}

// runState accumulates endpoint outcomes across attempts.
type runState struct {
	profile  *profile.DeviceProfile
	attempt  int
	order    []uint8
	outcomes map[uint8]commission.EndpointResult
	pending  []uint8
}

func (r *runState) merge(res *commission.Result) {
	for _, ep := range res.Endpoints {
		if _, seen := r.outcomes[ep.Address]; !seen {
			r.order = append(r.order, ep.Address)
		}
		r.outcomes[ep.Address] = *ep
	}
}

// status derives the final commissioning status from the outcomes merged
// across attempts. err is the error of the last attempt.
func (r *runState) status(err error) store.CommissionStatus {
	if len(r.outcomes) == 0 {
		if err == nil {
			// profile with nothing to commission
			return store.StatusConfigured
		}
		return store.StatusFailed
	}
	ok := len(r.succeeded())
	switch {
	case ok == len(r.outcomes) && err == nil:
		return store.StatusConfigured
	case ok > 0:
		return store.StatusPartial
	default:
		return store.StatusFailed
	}
}

// succeeded returns the endpoints whose latest outcome is ok.
func (r *runState) succeeded() []uint8 {
	var out []uint8
	for _, addr := range r.order {
		if r.outcomes[addr].Status == commission.StatusOK {
			out = append(out, addr)
		}
	}
	return out
}

// err joins the errors of every endpoint that did not succeed, including
// those left out of later attempts. err is used when no endpoint failed.
func (r *runState) err(err error) error {
	var errs []error
	for _, addr := range r.order {
		ep := r.outcomes[addr]
		if ep.Status == commission.StatusOK {
			continue
		}
		if e := ep.Err(); e != nil {
			errs = append(errs, e)
		} else if ep.Error != "" {
			errs = append(errs, errors.New(ep.Error))
		}
	}
	if len(errs) == 0 {
		return err
	}
	return errors.Join(errs...)
}

func (r *runState) endpoints() []store.EndpointState {
	out := make([]store.EndpointState, 0, len(r.order))
	for _, addr := range r.order {
		ep := r.outcomes[addr]
		out = append(out, store.EndpointState{
			Address: ep.Address,
			Name:    ep.Name,
			Status:  string(ep.Status),
			Error:   ep.Error,
		})
	}
	return out
}

// finish persists and publishes the outcome of a run. Runs cancelled by a
// newer run, a leave or Stop leave the record untouched and publish nothing.
func (dm *DeviceManager) finish(ctx context.Context, gen uint64, ieee string, r *runState, err error, started time.Time, logger *slog.Logger) {
	p := r.profile
	status := r.status(err)
	eps := r.endpoints()
	lastErr := ""
	if merged := r.err(err); merged != nil {
		lastErr = merged.Error()
	}

	// Persist under runMu so a concurrent leave or recommission either
	// sees this outcome stored or prevents it.
	dm.runMu.Lock()
	entry, current := dm.runs[ieee]
	if !current || entry.gen != gen || errors.Is(ctx.Err(), context.Canceled) {
		dm.runMu.Unlock()
		logger.Info("commissioning cancelled", "attempts", r.attempt)
		return
	}
	var name string
	saveErr := dm.coord.Store().UpdateDevice(ieee, func(dev *store.Device) error {
		name = dev.FriendlyName
		dev.Profile = p.Model
		dev.Commission = store.CommissionState{
			Status:      status,
			Attempts:    r.attempt,
			LastError:   lastErr,
			Endpoints:   eps,
			Fingerprint: p.Fingerprint(),
			UpdatedAt:   time.Now(),
		}
		return nil
	})
	dm.runMu.Unlock()
	if errors.Is(saveErr, store.ErrNotFound) {
		logger.Info("device removed during commissioning, dropping outcome", "status", status)
		return
	}
	if saveErr != nil {
		logger.Error("save commissioning state", "err", saveErr)
	}

	commissionRuns.WithLabelValues(p.Model, string(status)).Inc()
	commissionDuration.WithLabelValues(p.Model).Observe(time.Since(started).Seconds())

	evt := CommissionEvent{
		IEEE:         ieee,
		FriendlyName: name,
		Profile:      p.Model,
		Status:       status,
		Attempt:      r.attempt,
		Endpoints:    eps,
		Error:        lastErr,
	}
	if status != store.StatusFailed {
		evt.Properties = exposedProperties(p, r)
	}
	dm.coord.Events().Emit(Event{Type: EventCommissionFinished, Data: evt})

	if status == store.StatusConfigured {
		logger.Info("commissioning finished", "status", status, "attempts", r.attempt, "duration", time.Since(started))
	} else {
		logger.Warn("commissioning finished", "status", status, "attempts", r.attempt, "duration", time.Since(started), "err", lastErr)
	}
}

// exposedProperties lists the properties of the endpoints that were
// commissioned. A run without endpoint outcomes exposes all of them.
func exposedProperties(p *profile.DeviceProfile, r *runState) []string {
	if len(r.outcomes) == 0 {
		return p.ExposedProperties()
	}
	return p.PropertiesOn(r.succeeded()...)
}

func (dm *DeviceManager) updateCommission(ieee string, fn func(c *store.CommissionState)) {
	err := dm.coord.Store().UpdateDevice(ieee, func(dev *store.Device) error {
		fn(&dev.Commission)
		dev.Commission.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		dm.logger.Error("update commissioning state", "err", err, "ieee", ieee)
	}
}

// ListDevices returns all known devices.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	return dm.coord.Store().ListDevices()
}

// GetDevice returns a device by IEEE address.
func (dm *DeviceManager) GetDevice(ieee string) (*store.Device, error) {
	return dm.coord.Store().GetDevice(ieee)
}
