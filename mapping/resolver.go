// ABOUTME: Field mapping resolver translating between local and remote field keys
// ABOUTME: Only active mappings participate; subtype structure after '+' stays opaque
package mapping

import (
	"sort"
	"strings"

	"github.com/harperreed/contactsync/models"
)

// Resolver translates canonical local field maps to provider keys and back.
type Resolver struct {
	active []models.FieldMapping
}

// NewResolver builds a resolver from mapping layers. Later layers override
// earlier ones per local key, so provider defaults go first and stored
// overrides last.
func NewResolver(layers ...[]models.FieldMapping) *Resolver {
	merged := Overlay(layers...)
	active := make([]models.FieldMapping, 0, len(merged))
	for _, m := range merged {
		if m.Participates() {
			active = append(active, m)
		}
	}
	return &Resolver{active: active}
}

// Overlay merges mapping layers by local key, preserving a stable order.
func Overlay(layers ...[]models.FieldMapping) []models.FieldMapping {
	byLocal := make(map[string]models.FieldMapping)
	for _, layer := range layers {
		for _, m := range layer {
			if m.LocalKey == "" {
				continue
			}
			byLocal[m.LocalKey] = m
		}
	}
	out := make([]models.FieldMapping, 0, len(byLocal))
	for _, m := range byLocal {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalKey < out[j].LocalKey })
	return out
}

// Active returns the participating mappings ordered by local key.
func (r *Resolver) Active() []models.FieldMapping {
	out := make([]models.FieldMapping, len(r.active))
	copy(out, r.active)
	return out
}

// RemoteKeys returns the distinct composite remote keys in use.
func (r *Resolver) RemoteKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, m := range r.active {
		k := RemoteKey(m)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// ToRemote maps local_key -> value to remote_key -> value. Local keys without
// an active mapping are skipped. When several local keys share a remote key
// the first in local-key order wins.
func (r *Resolver) ToRemote(local map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range r.active {
		v, ok := local[m.LocalKey]
		if !ok {
			continue
		}
		key := RemoteKey(m)
		if _, taken := out[key]; taken {
			continue
		}
		out[key] = v
	}
	return out
}

// ToLocal maps a provider payload back to local keys. A remote key fans out to
// every local key mapped to it; remote keys missing from the payload are omitted.
func (r *Resolver) ToLocal(remote map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range r.active {
		if v, ok := remote[RemoteKey(m)]; ok {
			out[m.LocalKey] = v
		}
	}
	return out
}

// RemoteKey returns the composite key for m: remote_key, plus "+subtype" when
// a subtype is set.
func RemoteKey(m models.FieldMapping) string {
	if m.Subtype == "" {
		return m.RemoteKey
	}
	return m.RemoteKey + models.SubtypeDelimiter + m.Subtype
}

// SplitRemoteKey separates the group from the provider-owned remainder at the
// first delimiter. Providers call this; the resolver itself never does.
func SplitRemoteKey(key string) (group, rest string) {
	group, rest, _ = strings.Cut(key, models.SubtypeDelimiter)
	return group, rest
}
