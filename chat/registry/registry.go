package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

var (
	ErrAlreadyTaken   = errors.New("identity already taken")
	ErrNotFound       = errors.New("client not found")
	ErrEmptyIdentity  = errors.New("identity must not be empty")
	ErrConnRegistered = errors.New("connection already registered under another identity")
)

// Conn is a connection handle owned by the transport layer.
// Implementations must be safe for concurrent Send calls.
type Conn interface {
	Send(frame []byte) error
	Close(reason string) error
}

// Client pairs an identity with its connection.
type Client struct {
	Identity string
	Conn     Conn
}

// Registry tracks who is online. It keeps an identity index and a
// connection index so both lookup directions are O(1).
type Registry struct {
	byIdentity map[string]Conn
	byConn     map[Conn]string
	mu         sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byIdentity: make(map[string]Conn),
		byConn:     make(map[Conn]string),
	}
}

// Register binds identity to conn if the identity is free. A conn holds at
// most one identity; announcing again, even the same name, fails with
// ErrConnRegistered.
func (r *Registry) Register(identity string, conn Conn) error {
	if strings.TrimSpace(identity) == "" {
		return ErrEmptyIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[conn]; exists {
		return ErrConnRegistered
	}
	if _, exists := r.byIdentity[identity]; exists {
		return ErrAlreadyTaken
	}

	r.byIdentity[identity] = conn
	r.byConn[conn] = identity
	return nil
}

// Unregister removes the entry owned by conn and returns its identity.
func (r *Registry) Unregister(conn Conn) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, exists := r.byConn[conn]
	if !exists {
		return "", ErrNotFound
	}

	delete(r.byConn, conn)
	delete(r.byIdentity, identity)
	return identity, nil
}

// Lookup returns the client registered under identity.
func (r *Registry) Lookup(identity string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.byIdentity[identity]
	if !exists {
		return Client{}, ErrNotFound
	}
	return Client{Identity: identity, Conn: conn}, nil
}

// IdentityOf returns the identity registered for conn.
func (r *Registry) IdentityOf(conn Conn) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, exists := r.byConn[conn]
	if !exists {
		return "", ErrNotFound
	}
	return identity, nil
}

// Snapshot returns a point-in-time copy of all clients ordered by identity.
func (r *Registry) Snapshot() []Client {
	r.mu.RLock()
	clients := lo.MapToSlice(r.byIdentity, func(identity string, conn Conn) Client {
		return Client{Identity: identity, Conn: conn}
	})
	r.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].Identity < clients[j].Identity
	})
	return clients
}

// Identities lists online identities in order.
func (r *Registry) Identities() []string {
	return lo.Map(r.Snapshot(), func(c Client, _ int) string {
		return c.Identity
	})
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}
