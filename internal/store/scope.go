package store

// Scope names one refreshable slice of the mirror.
type Scope string

const (
	ScopeStatus    Scope = "status"
	ScopeQueue     Scope = "queue"
	ScopeDatabase  Scope = "database"
	ScopePlaylists Scope = "playlists"
	ScopeFavorites Scope = "favorites"
)

// AllScopes is every scope in refresh order. Status comes first so the queue
// refresh can reuse its freshly cached version.
var AllScopes = []Scope{ScopeStatus, ScopeQueue, ScopeDatabase, ScopePlaylists, ScopeFavorites}

// subsystemScopes maps a server subsystem name from an idle notification to
// the scopes it invalidates.
var subsystemScopes = map[string][]Scope{
	"player":          {ScopeStatus},
	"mixer":           {ScopeStatus},
	"options":         {ScopeStatus},
	"playlist":        {ScopeStatus, ScopeQueue},
	"database":        {ScopeDatabase},
	"update":          {ScopeStatus, ScopeDatabase},
	"stored_playlist": {ScopePlaylists, ScopeFavorites},
}

// ScopesForSubsystem returns the scopes invalidated by a subsystem change,
// or nil for subsystems the mirror does not track (output, sticker, ...).
func ScopesForSubsystem(subsystem string) []Scope {
	return subsystemScopes[subsystem]
}

// Change is one change notification delivered to subscribers.
type Change struct {
	Scope Scope
}
