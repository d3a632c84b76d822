package runtime

import (
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/objectfs/sessiond/internal/cache"
	"github.com/objectfs/sessiond/internal/queue"
	"github.com/objectfs/sessiond/internal/session"
)

// StoreStatus describes the state and credential stores.
type StoreStatus struct {
	Dir             string `json:"dir"`
	CredentialsDir  string `json:"credentials_dir"`
	PendingWrites   int    `json:"pending_writes"`
	Flushes         int    `json:"flushes"`
	CredentialWipes int    `json:"credential_wipes"`
}

// Status is the /status document.
type Status struct {
	Uptime  string           `json:"uptime"`
	Session session.Snapshot `json:"session"`
	Queue   queue.Status     `json:"queue"`
	Cache   cache.Stats      `json:"cache"`
	Store   StoreStatus      `json:"store"`
}

// Healthy reports whether the session is connected.
func (r *Runtime) Healthy() bool {
	return r.controller.State() == session.StateConnected
}

// Status implements metrics.StatusSource.
func (r *Runtime) Status() interface{} {
	return r.Snapshot()
}

// Snapshot collects the status of every component.
func (r *Runtime) Snapshot() Status {
	uptime := ""
	if !r.startedAt.IsZero() {
		uptime = strings.TrimSpace(humanize.RelTime(r.startedAt, r.clock.Now(), "", ""))
	}
	return Status{
		Uptime:  uptime,
		Session: r.controller.Snapshot(),
		Queue:   r.queue.Status(),
		Cache:   r.cache.Stats(),
		Store: StoreStatus{
			Dir:             r.store.Dir(),
			CredentialsDir:  r.credentials.Dir(),
			PendingWrites:   r.state.Pending(),
			Flushes:         r.state.Flushes(),
			CredentialWipes: r.credentials.Wipes(),
		},
	}
}
