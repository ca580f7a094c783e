package route

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chirino/conversation-service/internal/service"
	"github.com/gin-gonic/gin"
)

// Kind selects the router a plugin's routes are mounted on.
type Kind int

const (
	// Main is the authenticated /v1 API.
	Main Kind = iota
	// Management carries health, readiness and metrics. Without a dedicated
	// management port these are mounted on the main router.
	Management
)

// Deps are handed to every loader at mount time.
type Deps struct {
	Service *service.Service
	// Auth resolves the caller. Nil on the management router.
	Auth gin.HandlerFunc
	// Components names the selected backends, e.g. "store" -> "postgres".
	Components map[string]string
}

// Loader mounts a plugin's routes.
type Loader func(r *gin.Engine, deps Deps) error

// Plugin is a named group of routes mounted in Order.
type Plugin struct {
	Name   string
	Order  int
	Kind   Kind
	Loader Loader
}

var (
	mu      sync.Mutex
	plugins []Plugin
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

func ofKind(kind Kind) []Plugin {
	mu.Lock()
	defer mu.Unlock()
	var out []Plugin
	for _, p := range plugins {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Names lists the registered plugins of kind in mount order.
func Names(kind Kind) []string {
	ps := ofKind(kind)
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name
	}
	return names
}

// Mount runs every loader of kind against r.
func Mount(r *gin.Engine, kind Kind, deps Deps) error {
	for _, p := range ofKind(kind) {
		if err := p.Loader(r, deps); err != nil {
			return fmt.Errorf("mount %s routes: %w", p.Name, err)
		}
	}
	return nil
}
