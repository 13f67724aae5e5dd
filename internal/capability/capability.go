// Package capability tracks the remote tool servers (MCP) the assistant may
// use while answering.
//
// The usable servers are published as an immutable [Set]. A [Tracker]
// recomputes the set from periodic health checks; responders take the current
// set per request instead of sharing a mutable list.
package capability

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// Approval is the approval policy forwarded to the model for MCP tool calls.
type Approval string

const (
	// ApprovalNever lets the model call tools without confirmation.
	ApprovalNever Approval = "never"

	// ApprovalAlways requires confirmation for every call.
	ApprovalAlways Approval = "always"
)

// IsValid reports whether a is a recognised approval policy.
func (a Approval) IsValid() bool {
	return a == ApprovalNever || a == ApprovalAlways
}

// Server describes one MCP server reachable over streamable HTTP.
type Server struct {
	// Label identifies the server to the model. Must be unique.
	Label string `yaml:"label"`

	// URL is the streamable HTTP endpoint.
	URL string `yaml:"url"`

	// AllowedTools restricts the tools offered to the model. Empty allows all.
	AllowedTools []string `yaml:"allowed_tools"`

	// Headers are sent with every request, e.g. Authorization.
	Headers map[string]string `yaml:"headers"`

	// RequireApproval defaults to [ApprovalNever].
	RequireApproval Approval `yaml:"require_approval"`
}

// Validate checks that s is usable.
func (s Server) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Label) == "" {
		errs = append(errs, errors.New("label is required"))
	}
	if s.URL == "" {
		errs = append(errs, errors.New("url is required"))
	} else if u, err := url.Parse(s.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("url %q must be an absolute http(s) URL", s.URL))
	}
	if s.RequireApproval != "" && !s.RequireApproval.IsValid() {
		errs = append(errs, fmt.Errorf("require_approval %q must be %q or %q", s.RequireApproval, ApprovalNever, ApprovalAlways))
	}
	if len(errs) > 0 {
		return fmt.Errorf("capability: server %q: %w", s.Label, errors.Join(errs...))
	}
	return nil
}

// Approval returns the effective approval policy.
func (s Server) Approval() Approval {
	if s.RequireApproval == "" {
		return ApprovalNever
	}
	return s.RequireApproval
}

func (s Server) clone() Server {
	s.AllowedTools = slices.Clone(s.AllowedTools)
	s.Headers = maps.Clone(s.Headers)
	return s
}

// Set is an immutable, ordered collection of servers. The zero value is an
// empty set.
type Set struct {
	servers []Server
}

// NewSet returns a Set holding copies of servers in the given order.
func NewSet(servers ...Server) Set {
	if len(servers) == 0 {
		return Set{}
	}
	out := make([]Server, len(servers))
	for i, s := range servers {
		out[i] = s.clone()
	}
	return Set{servers: out}
}

// Len returns the number of servers.
func (s Set) Len() int { return len(s.servers) }

// Servers returns a copy of the servers.
func (s Set) Servers() []Server {
	out := make([]Server, len(s.servers))
	for i, srv := range s.servers {
		out[i] = srv.clone()
	}
	return out
}

// Labels returns the server labels in order.
func (s Set) Labels() []string {
	out := make([]string, len(s.servers))
	for i, srv := range s.servers {
		out[i] = srv.Label
	}
	return out
}

// Lookup returns the server with the given label.
func (s Set) Lookup(label string) (Server, bool) {
	for _, srv := range s.servers {
		if srv.Label == label {
			return srv.clone(), true
		}
	}
	return Server{}, false
}

// ValidateServers validates each server and rejects duplicate labels.
func ValidateServers(servers []Server) error {
	var errs []error
	seen := make(map[string]bool, len(servers))
	for _, s := range servers {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.Label] {
			errs = append(errs, fmt.Errorf("capability: duplicate server label %q", s.Label))
		}
		seen[s.Label] = true
	}
	return errors.Join(errs...)
}
