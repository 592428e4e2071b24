// Package agentpool implements the four-state agent lifecycle FSM: a fixed
// roster of named agent identities cycling between available, resting,
// allocated, and busy.
package agentpool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/logging"
	"github.com/gaos-systems/apc-coordinator/internal/metrics"
)

// Status is one of the four states an agent occupies at any moment.
type Status string

const (
	StatusAvailable Status = "available"
	StatusResting   Status = "resting"
	StatusAllocated Status = "allocated"
	StatusBusy      Status = "busy"
)

// RestCooldown is the fixed quiet period a released agent spends resting
// before becoming available again.
const RestCooldown = 5 * time.Second

// AgentState is the full state record for one named agent identity.
type AgentState struct {
	Name       string
	Status     Status
	Session    string
	WorkflowID string
	Role       string
	TaskID     string
	At         time.Time
	RestUntil  time.Time
}

// Snapshot is a read-only copy of an AgentState for external observers.
type Snapshot = AgentState

// ErrUnknownRole is returned by Allocate when roleID is not in the pool's
// configured role set.
var ErrUnknownRole = fmt.Errorf("unknown role")

// Pool is the agent registry. A single mutex guards every allocation and
// state mutation.
type Pool struct {
	mu sync.Mutex

	log     logging.Logger
	roles   map[string]bool
	metrics metrics.Recorder

	roster  []string // canonical ordering; resize appends to the tail and removes named entries
	agents  map[string]*AgentState
	timers  map[string]*time.Timer
	onSweep func() // test hook invoked after every resting-sweep pass
}

// Config seeds a new Pool.
type Config struct {
	Roster []string
	Roles  []string
	Logger logging.Logger
	// Metrics, when set, receives agent-pool gauge updates after every
	// state-mutating operation. Left nil, the pool records nothing.
	Metrics metrics.Recorder
}

// New builds a Pool with every roster member starting available.
func New(cfg Config) *Pool {
	roles := make(map[string]bool, len(cfg.Roles))
	for _, r := range cfg.Roles {
		roles[r] = true
	}
	p := &Pool{
		log:     logging.OrNop(cfg.Logger),
		roles:   roles,
		metrics: cfg.Metrics,
		roster:  append([]string(nil), cfg.Roster...),
		agents:  make(map[string]*AgentState, len(cfg.Roster)),
		timers:  make(map[string]*time.Timer),
	}
	for _, name := range cfg.Roster {
		p.agents[name] = &AgentState{Name: name, Status: StatusAvailable}
	}
	return p
}

// Allocate picks up to count available agents for role, moving each to
// allocated under workflowID. It returns the subset actually allocated,
// which may be shorter than count when the pool is exhausted — callers must
// not treat a short result as an error.
func (p *Pool) Allocate(session, workflowID string, count int, roleID string) ([]string, error) {
	if len(p.roles) > 0 && !p.roles[roleID] {
		return nil, ErrUnknownRole
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepRestingLocked()

	var available []string
	for _, name := range p.roster {
		if p.agents[name].Status == StatusAvailable {
			available = append(available, name)
		}
	}
	sort.Strings(available)

	if len(available) > count {
		available = available[:count]
	}

	for _, name := range available {
		a := p.agents[name]
		a.Status = StatusAllocated
		a.Session = session
		a.WorkflowID = workflowID
		a.Role = roleID
		a.TaskID = ""
		a.At = time.Now()
	}

	p.log.Info("allocate: session=%s workflow=%s role=%s requested=%d got=%d", session, workflowID, roleID, count, len(available))
	p.recordLocked()
	return available, nil
}

// PromoteToBusy moves an allocated agent to busy, legal only when the agent
// is currently allocated to workflowID.
func (p *Pool) PromoteToBusy(agent, workflowID, taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agent]
	if !ok || a.Status != StatusAllocated || a.WorkflowID != workflowID {
		return false
	}
	a.Status = StatusBusy
	a.TaskID = taskID
	a.At = time.Now()
	p.recordLocked()
	return true
}

// DemoteToBench moves a busy agent back to allocated, preserving its
// workflow association so it stays reserved across phase transitions (e.g.
// a review/revise loop).
func (p *Pool) DemoteToBench(agent string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agent]
	if !ok || a.Status != StatusBusy {
		return false
	}
	a.Status = StatusAllocated
	a.TaskID = ""
	a.At = time.Now()
	p.recordLocked()
	return true
}

// Release moves every named agent to resting, arming a per-agent timer that
// sweeps it back to available after RestCooldown.
func (p *Pool) Release(agents []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range agents {
		a, ok := p.agents[name]
		if !ok {
			continue
		}
		// NOTE: a release of an already-resting agent resets its cooldown
		// clock rather than leaving the original deadline intact. This
		// mirrors behavior observed in the originating system and is called
		// out as possibly unintended (see DESIGN.md open question); kept
		// as-is rather than guessed at.
		a.Status = StatusResting
		a.RestUntil = time.Now().Add(RestCooldown)
		a.Session, a.WorkflowID, a.Role, a.TaskID = "", "", "", ""

		if t, exists := p.timers[name]; exists {
			t.Stop()
		}
		p.timers[name] = time.AfterFunc(RestCooldown, func() { p.sweepOne(name) })
	}
	p.recordLocked()
}

// ReleaseSessionAgents releases every agent currently allocated or busy for
// session.
func (p *Pool) ReleaseSessionAgents(session string) []string {
	p.mu.Lock()
	var names []string
	for _, name := range p.roster {
		a := p.agents[name]
		if a.Session == session && (a.Status == StatusAllocated || a.Status == StatusBusy) {
			names = append(names, name)
		}
	}
	p.mu.Unlock()
	p.Release(names)
	return names
}

// ReleaseOrphanAllocatedAgents releases any allocated/busy agent whose
// workflow is not present in validWorkflowIDs, returning the reclaimed
// names. Running this twice in a row reclaims zero agents the second time.
func (p *Pool) ReleaseOrphanAllocatedAgents(validWorkflowIDs map[string]struct{}) []string {
	p.mu.Lock()
	var orphans []string
	for _, name := range p.roster {
		a := p.agents[name]
		if a.Status != StatusAllocated && a.Status != StatusBusy {
			continue
		}
		if _, ok := validWorkflowIDs[a.WorkflowID]; !ok {
			orphans = append(orphans, name)
		}
	}
	p.mu.Unlock()
	if len(orphans) > 0 {
		p.log.Warn("reclaiming %d orphaned agents: %v", len(orphans), orphans)
		p.Release(orphans)
	}
	return orphans
}

// Resize grows the roster by appending the names in add (typically the tail
// of the full agent roster) or shrinks it by removing the names in remove,
// which must currently be available.
func (p *Pool) Resize(add []string, remove []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, name := range remove {
		a, ok := p.agents[name]
		if !ok || a.Status != StatusAvailable {
			return fmt.Errorf("cannot remove agent %s: not available", name)
		}
	}
	for _, name := range remove {
		delete(p.agents, name)
		if t, exists := p.timers[name]; exists {
			t.Stop()
			delete(p.timers, name)
		}
	}
	if len(remove) > 0 {
		removeSet := make(map[string]bool, len(remove))
		for _, n := range remove {
			removeSet[n] = true
		}
		kept := p.roster[:0]
		for _, n := range p.roster {
			if !removeSet[n] {
				kept = append(kept, n)
			}
		}
		p.roster = kept
	}

	for _, name := range add {
		if _, exists := p.agents[name]; exists {
			continue
		}
		p.roster = append(p.roster, name)
		p.agents[name] = &AgentState{Name: name, Status: StatusAvailable}
	}
	p.recordLocked()
	return nil
}

// Snapshot returns a copy of every agent's current state.
func (p *Pool) Snapshot() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.roster))
	for _, name := range p.roster {
		out = append(out, *p.agents[name])
	}
	return out
}

// recordLocked pushes current state counts to the metrics recorder, if
// configured. Caller must hold p.mu.
func (p *Pool) recordLocked() {
	if p.metrics == nil {
		return
	}
	var available, resting, allocated, busy int
	for _, name := range p.roster {
		switch p.agents[name].Status {
		case StatusAvailable:
			available++
		case StatusResting:
			resting++
		case StatusAllocated:
			allocated++
		case StatusBusy:
			busy++
		}
	}
	p.metrics.SetAgentCounts(available, resting, allocated, busy)
}

// sweepOne moves a single agent from resting to available if its cooldown
// has elapsed; invoked both by the per-agent timer and opportunistically
// from Allocate.
func (p *Pool) sweepOne(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepOneLocked(name)
	p.recordLocked()
}

func (p *Pool) sweepOneLocked(name string) {
	a, ok := p.agents[name]
	if !ok || a.Status != StatusResting {
		return
	}
	if time.Now().Before(a.RestUntil) {
		return
	}
	a.Status = StatusAvailable
	a.RestUntil = time.Time{}
}

// sweepRestingLocked sweeps every expired resting agent to available,
// sorted to make allocation deterministic. Caller must hold p.mu.
func (p *Pool) sweepRestingLocked() {
	for _, name := range p.roster {
		p.sweepOneLocked(name)
	}
	if p.onSweep != nil {
		p.onSweep()
	}
}
