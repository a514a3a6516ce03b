package server

import (
	"fmt"
	"sync"
)

// Phase is a step of the bootstrap state machine:
//
//	Unconfigured -> ResolvingTLS -> StaticServerStarting -> StaticServerListening
//	  -> (APILoading -> APIServerListening | APISkipped) -> Ready
//
// ResolvingTLS is skipped for plain HTTP and the API phases are skipped when
// no API is configured. There is no teardown phase.
type Phase int32

const (
	PhaseUnconfigured Phase = iota
	PhaseResolvingTLS
	PhaseStaticServerStarting
	PhaseStaticServerListening
	PhaseAPILoading
	PhaseAPIServerListening
	PhaseAPISkipped
	PhaseReady
)

var phaseNames = map[Phase]string{
	PhaseUnconfigured:          "unconfigured",
	PhaseResolvingTLS:          "resolving_tls",
	PhaseStaticServerStarting:  "static_server_starting",
	PhaseStaticServerListening: "static_server_listening",
	PhaseAPILoading:            "api_loading",
	PhaseAPIServerListening:    "api_server_listening",
	PhaseAPISkipped:            "api_skipped",
	PhaseReady:                 "ready",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

var transitions = map[Phase][]Phase{
	PhaseUnconfigured:          {PhaseResolvingTLS, PhaseStaticServerStarting},
	PhaseResolvingTLS:          {PhaseStaticServerStarting},
	PhaseStaticServerStarting:  {PhaseStaticServerListening},
	PhaseStaticServerListening: {PhaseAPILoading, PhaseReady},
	PhaseAPILoading:            {PhaseAPIServerListening, PhaseAPISkipped},
	PhaseAPIServerListening:    {PhaseReady},
	PhaseAPISkipped:            {PhaseReady},
}

// phaseTracker records the current phase and every phase entered so far.
type phaseTracker struct {
	mu      sync.RWMutex
	current Phase
	history []Phase
}

func newPhaseTracker() *phaseTracker {
	return &phaseTracker{history: []Phase{PhaseUnconfigured}}
}

func (t *phaseTracker) advance(to Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, allowed := range transitions[t.current] {
		if allowed == to {
			t.current = to
			t.history = append(t.history, to)
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition %s -> %s", t.current, to)
}

func (t *phaseTracker) get() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

func (t *phaseTracker) all() []Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Phase(nil), t.history...)
}
