package core

type callResult struct {
	out any
	err error
}

type runtimeCall struct {
	api   string
	kw    Args
	reply chan callResult
}

// RuntimeAPI is the external control surface of a running simulation.
// Call may be used from any goroutine; the manager services calls at
// epoch boundaries, so callers observe a consistent world state.
type RuntimeAPI struct {
	mgr *Manager
}

// Call invokes a runtime operation and blocks until the manager answers
// or the simulation has ended.
func (r *RuntimeAPI) Call(api string, kw Args) (any, error) {
	if kw == nil {
		kw = Args{}
	}
	c := &runtimeCall{api: api, kw: kw, reply: make(chan callResult, 1)}
	select {
	case r.mgr.calls <- c:
	case <-r.mgr.done:
		return nil, ErrManagerStopped
	}
	select {
	case res := <-c.reply:
		return res.out, res.err
	case <-r.mgr.done:
		return nil, ErrManagerStopped
	}
}

// Pause requests a pause at the next epoch boundary.
func (r *RuntimeAPI) Pause() error {
	_, err := r.Call("pause_AtTime", nil)
	return err
}

// Resume releases a paused simulation.
func (r *RuntimeAPI) Resume() error {
	_, err := r.Call("resume", nil)
	return err
}

// Step runs exactly one epoch of a paused simulation.
func (r *RuntimeAPI) Step() error {
	_, err := r.Call("run_OneStep", nil)
	return err
}

// Stop ends the simulation at the next epoch boundary.
func (r *RuntimeAPI) Stop() error {
	_, err := r.Call("stop_Simulation", nil)
	return err
}
