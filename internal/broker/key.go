package broker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidKey is returned for keys that can't be addressed.
var ErrInvalidKey = errors.New("invalid key")

// Namespace partitions the key space.
type Namespace string

const (
	NamespaceTopic   Namespace = "topic"
	NamespaceChannel Namespace = "channel"
	NamespaceDM      Namespace = "dm"
)

// Namespaces lists every namespace a bus listener has to subscribe to.
var Namespaces = []Namespace{NamespaceTopic, NamespaceChannel, NamespaceDM}

func (n Namespace) valid() bool {
	switch n {
	case NamespaceTopic, NamespaceChannel, NamespaceDM:
		return true
	}
	return false
}

// Key addresses a subscription and a publish.
type Key struct {
	Namespace Namespace
	ID        string
}

// Topic returns the key for a named topic.
func Topic(name string) Key { return Key{Namespace: NamespaceTopic, ID: name} }

// Channel returns the key for a channel id.
func Channel(id int64) Key {
	return Key{Namespace: NamespaceChannel, ID: strconv.FormatInt(id, 10)}
}

// DM returns the key for a direct message conversation.
func DM(id string) Key { return Key{Namespace: NamespaceDM, ID: id} }

func (k Key) String() string {
	return string(k.Namespace) + ":" + k.ID
}

// Validate reports whether the key can be subscribed to and published on.
func (k Key) Validate() error {
	if !k.Namespace.valid() {
		return fmt.Errorf("%w: unknown namespace %q", ErrInvalidKey, k.Namespace)
	}
	if k.ID == "" {
		return fmt.Errorf("%w: empty id in %s namespace", ErrInvalidKey, k.Namespace)
	}
	if k.Namespace == NamespaceChannel {
		if _, err := strconv.ParseInt(k.ID, 10, 64); err != nil {
			return fmt.Errorf("%w: channel id %q is not numeric", ErrInvalidKey, k.ID)
		}
	}
	return nil
}

// ChannelID returns the numeric channel id for channel keys.
func (k Key) ChannelID() (int64, bool) {
	if k.Namespace != NamespaceChannel {
		return 0, false
	}
	id, err := strconv.ParseInt(k.ID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ParseKey parses the "{namespace}:{id}" form produced by Key.String.
func ParseKey(s string) (Key, error) {
	ns, id, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q has no namespace", ErrInvalidKey, s)
	}
	k := Key{Namespace: Namespace(ns), ID: id}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Subject renders the bus subject for the key under prefix. Ids that can't
// be expressed as subject tokens (whitespace, wildcards, empty tokens) are
// rejected; such keys still work for local delivery.
func (k Key) Subject(prefix string) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	if strings.ContainsAny(k.ID, " \t\r\n*>") {
		return "", fmt.Errorf("%w: %q contains characters not allowed on the bus", ErrInvalidKey, k.ID)
	}
	for _, token := range strings.Split(k.ID, ".") {
		if token == "" {
			return "", fmt.Errorf("%w: %q contains an empty subject token", ErrInvalidKey, k.ID)
		}
	}
	return prefix + "." + string(k.Namespace) + "." + k.ID, nil
}

// KeyFromSubject is the inverse of Key.Subject.
func KeyFromSubject(prefix, subject string) (Key, error) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return Key{}, fmt.Errorf("%w: subject %q outside prefix %q", ErrInvalidKey, subject, prefix)
	}
	ns, id, ok := strings.Cut(rest, ".")
	if !ok {
		return Key{}, fmt.Errorf("%w: subject %q has no id", ErrInvalidKey, subject)
	}
	k := Key{Namespace: Namespace(ns), ID: id}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func patternSubject(prefix string, ns Namespace) string {
	return prefix + "." + string(ns) + ".>"
}
