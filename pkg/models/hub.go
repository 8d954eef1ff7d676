package models

import "time"

// HubUser is the user model returned by the hub's GET /users endpoint.
type HubUser struct {
	Name         string               `json:"name"`
	Admin        bool                 `json:"admin"`
	Server       string               `json:"server"`
	Pending      string               `json:"pending"`
	LastActivity string               `json:"last_activity"`
	Servers      map[string]HubServer `json:"servers"`
}

// HubServer is a single-user server as reported by the hub.
type HubServer struct {
	Name         string      `json:"name"`
	Ready        *bool       `json:"ready"`
	Pending      string      `json:"pending"`
	URL          string      `json:"url"`
	Started      string      `json:"started"`
	LastActivity string      `json:"last_activity"`
	State        ServerState `json:"state"`
}

// ServerState is the spawner state saved for a server. Only the selected
// profile is of interest here.
type ServerState struct {
	ProfileName string `json:"profile_name"`
}

// RunningServers returns the user's servers keyed by name. Old hubs that do
// not report a servers map get a single default server ("") built from the
// user model, and only while it is running.
func (u HubUser) RunningServers() map[string]HubServer {
	if u.Servers != nil {
		return u.Servers
	}
	servers := make(map[string]HubServer)
	if u.Server != "" {
		servers[""] = HubServer{
			URL:          u.Server,
			Pending:      u.Pending,
			LastActivity: u.LastActivity,
		}
	}
	return servers
}

// IsReady reports whether the server finished starting. Hubs that predate
// the ready field signal readiness by setting url.
func (s HubServer) IsReady() bool {
	if s.Ready != nil {
		return *s.Ready
	}
	return s.URL != ""
}

var startedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

// StartedAt parses the started timestamp. Timestamps without a zone are
// taken to be UTC.
func (s HubServer) StartedAt() (time.Time, bool) {
	if s.Started == "" {
		return time.Time{}, false
	}
	for _, layout := range startedLayouts {
		if t, err := time.Parse(layout, s.Started); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
