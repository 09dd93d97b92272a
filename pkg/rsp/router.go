package rsp

import (
	"context"
	"fmt"
	"sync"
)

// Endpoint names the provisioning entities serve. Each entity
// registers its own set when it attaches to the router.
const (
	// SM-SR endpoints.
	EndpointRegisterEUICC = "euicc/register"
	EndpointCreateISDP    = "isdp/create"

	// SM-DP endpoints.
	EndpointProfilePrepare           = "profile/prepare"
	EndpointKeyEstablishmentInit     = "key-establishment/init"
	EndpointKeyEstablishmentComplete = "key-establishment/complete"

	// eUICC endpoints.
	EndpointKeyEstablishmentRespond = "key-establishment/respond"
	EndpointProfileInstall          = "profile/install"
	EndpointES8Receive              = "es8/receive"

	// EndpointStatus is served by every entity.
	EndpointStatus = "status"
)

// Handler processes a message routed to an entity endpoint and
// returns the JSON reply.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Router delivers JSON messages between provisioning entities,
// addressed by entity ID and endpoint name. Entities register their
// endpoints when they attach to the router.
//
// Thread Safety: All methods are safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes map[string]map[string]Handler
}

// NewRouter creates an empty message router.
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]map[string]Handler),
	}
}

// Handle registers a handler for an entity endpoint, replacing any
// previous registration for the same pair.
func (r *Router) Handle(entityID, endpoint string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints, ok := r.routes[entityID]
	if !ok {
		endpoints = make(map[string]Handler)
		r.routes[entityID] = endpoints
	}
	endpoints[endpoint] = h
}

// Route delivers payload to an endpoint of the destination entity and
// returns its reply.
//
// Returns ErrUnknownDestination if no entity registered under that
// ID, ErrUnknownEndpoint if the entity does not serve the endpoint.
func (r *Router) Route(ctx context.Context, destination, endpoint string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	endpoints, ok := r.routes[destination]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, destination)
	}
	h, ok := endpoints[endpoint]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownEndpoint, destination, endpoint)
	}

	return h(ctx, payload)
}
