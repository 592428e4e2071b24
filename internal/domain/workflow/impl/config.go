package impl

import (
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/logging"
	"github.com/gaos-systems/apc-coordinator/internal/rendezvous"
)

// Config keys every factory in this package expects in the config map
// handed to it by the registry's New call.
const (
	KeyRendezvous = "rendezvous"
	KeySpawner    = "spawner"
	KeyLogger     = "logger"
	KeyTimeout    = "stage_timeout"
	KeyRole       = "role"
)

// Shared bundles the dependencies every concrete workflow type needs,
// extracted once from the generic config map the registry's Factory
// signature requires.
type Shared struct {
	Rendezvous *rendezvous.Rendezvous
	Spawner    Spawner
	Log        logging.Logger
	Timeout    time.Duration
	Role       string
}

// ExtractShared pulls the well-known keys out of config, applying sane
// fallbacks (a no-op spawner, the default rendezvous timeout, a nop logger)
// so a workflow never panics on an incomplete config map.
func ExtractShared(config map[string]any) Shared {
	s := Shared{
		Spawner: LoggingSpawner{},
		Timeout: rendezvous.DefaultTimeout,
		Role:    "implementer",
	}
	if config == nil {
		return s
	}
	if rv, ok := config[KeyRendezvous].(*rendezvous.Rendezvous); ok {
		s.Rendezvous = rv
	}
	if sp, ok := config[KeySpawner].(Spawner); ok {
		s.Spawner = sp
	}
	if lg, ok := config[KeyLogger].(logging.Logger); ok {
		s.Log = lg
	}
	if to, ok := config[KeyTimeout].(time.Duration); ok && to > 0 {
		s.Timeout = to
	}
	if role, ok := config[KeyRole].(string); ok && role != "" {
		s.Role = role
	}
	return s
}
