package commission

import (
	"context"
	"fmt"
	"log/slog"

	lua "github.com/yuin/gopher-lua"

	"zigbee-profiles/internal/profile"
)

const luaEndpointType = "endpoint"

// scriptRun holds the state of one scripted commissioning procedure.
type scriptRun struct {
	ctx         context.Context
	host        Host
	device      Device
	coordinator Endpoint
	profile     *profile.DeviceProfile
	opts        *options
	logger      *slog.Logger
	res         *Result

	// failure is the typed error that aborted the script, if any.
	failure error
}

// runScript executes the profile's Lua configure procedure. The script sees:
//
//	device:endpoint(n)                     resolve endpoint n
//	coordinator                            the coordinator endpoint
//	bind(ep, target, {clusters...})
//	reporting.<kind>(ep, {min=, max=, change=})
//	reporting.configure(ep, {cluster=, attribute=, min=, max=, change=})
//	log(msg)
//
// The first failing call aborts the script.
func runScript(ctx context.Context, host Host, device Device, coordinator Endpoint, p *profile.DeviceProfile, o *options, logger *slog.Logger, res *Result) {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	// Sandbox
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	L.SetContext(ctx)

	run := &scriptRun{
		ctx:         ctx,
		host:        host,
		device:      device,
		coordinator: coordinator,
		profile:     p,
		opts:        o,
		logger:      logger,
		res:         res,
	}
	run.register(L)

	err := L.DoString(p.Configure)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		res.abort = ctx.Err()
	case run.failure != nil:
		// already recorded on its endpoint
	default:
		res.abort = fmt.Errorf("configure script: %w", err)
	}

	if o.onEndpoint != nil {
		for _, ep := range res.Endpoints {
			o.onEndpoint(*ep)
		}
	}
	if err := res.Err(); err != nil {
		logger.Warn("configure script failed", "err", err)
	} else {
		logger.Info("configure script complete", "endpoints", len(res.Endpoints))
	}
}

func (s *scriptRun) register(L *lua.LState) {
	mt := L.NewTypeMetatable(luaEndpointType)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(s.checkEndpoint(L, 1).String()))
		return 1
	}))
	L.SetField(mt, "__index", L.NewFunction(func(L *lua.LState) int {
		ep := s.checkEndpoint(L, 1)
		switch L.CheckString(2) {
		case "id":
			L.Push(lua.LNumber(ep.ID))
		case "device":
			L.Push(lua.LString(ep.Device))
		default:
			L.Push(lua.LNil)
		}
		return 1
	}))

	dev := L.NewTable()
	dev.RawSetString("ieee", lua.LString(s.device.IEEE()))
	dev.RawSetString("endpoint", L.NewFunction(s.luaEndpoint))
	L.SetGlobal("device", dev)

	L.SetGlobal("coordinator", s.newEndpoint(L, s.coordinator))
	L.SetGlobal("bind", L.NewFunction(s.luaBind))

	rep := L.NewTable()
	for _, kind := range profile.Kinds() {
		kind := kind
		rep.RawSetString(string(kind), L.NewFunction(func(L *lua.LState) int {
			return s.luaReportKind(L, kind)
		}))
	}
	rep.RawSetString("configure", L.NewFunction(s.luaReportConfigure))
	L.SetGlobal("reporting", rep)

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		s.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))
}

func (s *scriptRun) newEndpoint(L *lua.LState, ep Endpoint) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = ep
	L.SetMetatable(ud, L.GetTypeMetatable(luaEndpointType))
	return ud
}

func (s *scriptRun) checkEndpoint(L *lua.LState, n int) Endpoint {
	ud := L.CheckUserData(n)
	ep, ok := ud.Value.(Endpoint)
	if !ok {
		L.ArgError(n, "endpoint expected")
	}
	return ep
}

// raise records err as the script's failure and aborts execution.
func (s *scriptRun) raise(L *lua.LState, err error) {
	s.failure = err
	L.RaiseError("%s", err.Error())
}

func (s *scriptRun) result(addr uint8) *EndpointResult {
	name := ""
	if decl, ok := s.profile.EndpointByAddress(addr); ok {
		name = decl.Name
	}
	return s.res.endpoint(addr, name)
}

// device:endpoint(n)
func (s *scriptRun) luaEndpoint(L *lua.LState) int {
	L.CheckTable(1)
	n := L.CheckInt(2)
	if n < 1 || n > 240 {
		L.ArgError(2, "endpoint address out of range")
	}
	addr := uint8(n)
	ep, err := s.device.Endpoint(addr)
	if err != nil {
		nf := &EndpointNotFoundError{Device: s.device.IEEE(), Address: addr, Err: err}
		s.result(addr).fail(StatusNotFound, nf)
		s.raise(L, nf)
	}
	L.Push(s.newEndpoint(L, ep))
	return 1
}

// bind(ep, target, {clusters})
func (s *scriptRun) luaBind(L *lua.LState) int {
	ep := s.checkEndpoint(L, 1)
	target := s.checkEndpoint(L, 2)
	tbl := L.CheckTable(3)

	var clusters []string
	tbl.ForEach(func(_, v lua.LValue) {
		clusters = append(clusters, v.String())
	})
	if len(clusters) == 0 {
		L.ArgError(3, "no clusters")
	}
	if !s.opts.selected(ep.ID) {
		return 0
	}

	res := s.result(ep.ID)
	if err := s.host.Bind(s.ctx, ep, target, clusters); err != nil {
		if s.ctx.Err() != nil {
			res.cancel()
			s.raise(L, s.ctx.Err())
		}
		bf := &BindFailureError{Endpoint: ep, Clusters: clusters, Err: err}
		res.fail(StatusBindFailed, bf)
		s.raise(L, bf)
	}
	res.Bound = append(res.Bound, clusters...)
	if res.Status == "" {
		res.Status = StatusOK
	}
	return 0
}

// reporting.<kind>(ep, {min=, max=, change=})
func (s *scriptRun) luaReportKind(L *lua.LState, kind profile.Kind) int {
	ep := s.checkEndpoint(L, 1)
	info := kind.Info()
	rep := Reporting{
		Cluster:   info.Cluster,
		Attribute: info.Attribute,
		Min:       info.Default.Min,
		Max:       info.Default.Max,
		Change:    info.Default.Change,
	}
	if L.GetTop() >= 2 {
		s.applyIntervals(L, L.CheckTable(2), &rep)
	}
	s.configure(L, ep, rep)
	return 0
}

// reporting.configure(ep, {cluster=, attribute=, min=, max=, change=})
func (s *scriptRun) luaReportConfigure(L *lua.LState) int {
	ep := s.checkEndpoint(L, 1)
	tbl := L.CheckTable(2)
	rep := Reporting{
		Cluster:   lua.LVAsString(tbl.RawGetString("cluster")),
		Attribute: lua.LVAsString(tbl.RawGetString("attribute")),
	}
	if rep.Cluster == "" || rep.Attribute == "" {
		L.ArgError(2, "cluster and attribute are required")
	}
	s.applyIntervals(L, tbl, &rep)
	s.configure(L, ep, rep)
	return 0
}

func (s *scriptRun) applyIntervals(L *lua.LState, tbl *lua.LTable, rep *Reporting) {
	field := func(name string, cur int) int {
		v := tbl.RawGetString(name)
		if v == lua.LNil {
			return cur
		}
		n, ok := v.(lua.LNumber)
		if !ok {
			L.ArgError(2, name+" must be a number")
		}
		return int(n)
	}
	minI := field("min", int(rep.Min))
	maxI := field("max", int(rep.Max))
	change := field("change", rep.Change)
	if minI < 0 || maxI > 0xFFFF || minI > maxI {
		L.ArgError(2, fmt.Sprintf("invalid interval min=%d max=%d", minI, maxI))
	}
	if change < 0 {
		L.ArgError(2, fmt.Sprintf("negative change %d", change))
	}
	rep.Min, rep.Max, rep.Change = uint16(minI), uint16(maxI), change
}

func (s *scriptRun) configure(L *lua.LState, ep Endpoint, rep Reporting) {
	if !s.opts.selected(ep.ID) {
		return
	}
	res := s.result(ep.ID)
	if err := s.host.ConfigureReporting(s.ctx, ep, rep); err != nil {
		if s.ctx.Err() != nil {
			res.cancel()
			s.raise(L, s.ctx.Err())
		}
		cf := &ConfigurationFailureError{Endpoint: ep, Reporting: rep, Err: err}
		res.fail(StatusConfigureFailed, cf)
		s.raise(L, cf)
	}
	res.Configured++
	if res.Status == "" {
		res.Status = StatusOK
	}
}
