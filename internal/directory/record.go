package directory

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
)

// ErrInvalidRecord is returned for registrations that can't be stored.
var ErrInvalidRecord = errors.New("invalid agent record")

// Protocol is the wire protocol an agent speaks.
type Protocol string

const (
	ProtocolA2A  Protocol = "A2A"
	ProtocolMCP  Protocol = "MCP"
	ProtocolACP  Protocol = "ACP"
	ProtocolHTTP Protocol = "HTTP"
)

// ParseProtocol accepts any casing. An empty string means A2A, which is what
// directory cards without a protocol field speak.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToUpper(strings.TrimSpace(s))); p {
	case "":
		return ProtocolA2A, nil
	case ProtocolA2A, ProtocolMCP, ProtocolACP, ProtocolHTTP:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown protocol %q", ErrInvalidRecord, s)
	}
}

// State is the liveness state of a record.
type State string

const (
	StateActive  State = "ACTIVE"
	StateEvicted State = "EVICTED"
)

// Record is an agent known to the directory.
type Record struct {
	ID           string
	Name         string
	URL          string
	Description  string
	Protocol     Protocol
	Capabilities map[string]any
	Skills       []string
	RegisteredAt time.Time
	LastSeen     time.Time
	State        State
}

func (r Record) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id or name is required", ErrInvalidRecord)
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q is not an http(s) url", ErrInvalidRecord, r.URL)
	}
	return nil
}

func (r Record) clone() Record {
	r.Capabilities = maps.Clone(r.Capabilities)
	r.Skills = slices.Clone(r.Skills)
	return r
}

// Card is the JSON form of a record exchanged with the directory service.
type Card struct {
	ID           string           `json:"id,omitempty"`
	Name         string           `json:"name"`
	URL          string           `json:"url"`
	Description  string           `json:"description,omitempty"`
	Protocol     string           `json:"protocol,omitempty"`
	Capabilities map[string]any   `json:"capabilities,omitempty"`
	Skills       []string         `json:"skills,omitempty"`
	RegisteredAt *strfmt.DateTime `json:"registered_at,omitempty"`
	LastSeen     *strfmt.DateTime `json:"last_seen,omitempty"`
}

// Key is the directory key of the card: its id, or its name without one.
func (c Card) Key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Name
}

// RecordFromCard converts a card into a record. Timestamps on the card are
// ignored; the directory stamps its own.
func RecordFromCard(c Card) (Record, error) {
	proto, err := ParseProtocol(c.Protocol)
	if err != nil {
		return Record{}, err
	}
	name := c.Name
	if name == "" {
		name = c.ID
	}
	rec := Record{
		ID:           c.Key(),
		Name:         name,
		URL:          strings.TrimRight(c.URL, "/"),
		Description:  c.Description,
		Protocol:     proto,
		Capabilities: c.Capabilities,
		Skills:       c.Skills,
	}
	if err := rec.validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Card renders the record for the wire.
func (r Record) Card() Card {
	c := Card{
		ID:           r.ID,
		Name:         r.Name,
		URL:          r.URL,
		Description:  r.Description,
		Protocol:     string(r.Protocol),
		Capabilities: r.Capabilities,
		Skills:       r.Skills,
	}
	if !r.RegisteredAt.IsZero() {
		ts := strfmt.DateTime(r.RegisteredAt.UTC())
		c.RegisteredAt = &ts
	}
	if !r.LastSeen.IsZero() {
		ts := strfmt.DateTime(r.LastSeen.UTC())
		c.LastSeen = &ts
	}
	return c
}
