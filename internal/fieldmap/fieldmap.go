// Package fieldmap translates between internal lead fields and provider
// field names in both directions.
package fieldmap

import (
	_ "embed"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadsync/internal/model"
)

const (
	// CustomPrefix marks a provider field as a custom field.
	CustomPrefix = "cf_"
	// CustomContainer is the payload key custom fields are nested under.
	CustomContainer = "custom_fields"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var defaults map[model.Provider]model.FieldMapping

func init() {
	parsed, err := parseDefaults(defaultsYAML)
	if err != nil {
		panic(err)
	}
	defaults = parsed
}

func parseDefaults(data []byte) (map[model.Provider]model.FieldMapping, error) {
	var raw map[string]map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "fieldmap: parse defaults")
	}
	out := make(map[model.Provider]model.FieldMapping, len(raw))
	for provider, kinds := range raw {
		fm := make(model.FieldMapping, len(kinds))
		for kind, table := range kinds {
			fm[model.EntityKind(kind)] = table
		}
		out[model.Provider(provider)] = fm
	}
	return out, nil
}

// Default returns a copy of the built-in table for provider and kind. The
// result is empty when none is defined.
func Default(provider model.Provider, kind model.EntityKind) map[string]string {
	return clone(defaults[provider][kind])
}

// Table resolves the forward table for a connection: its own mapping for
// kind when configured, otherwise the provider default.
func Table(conn *model.Connection, kind model.EntityKind) map[string]string {
	if conn != nil {
		if t := conn.FieldMapping[kind]; len(t) > 0 {
			return clone(t)
		}
		return Default(conn.Provider, kind)
	}
	return map[string]string{}
}

// Forward builds an outgoing payload from lead. Only present fields are
// written. Provider fields carrying CustomPrefix go under CustomContainer.
func Forward(lead *model.Lead, table map[string]string) map[string]any {
	payload := make(map[string]any, len(table))
	for internal, external := range table {
		v, ok := lead.Field(internal)
		if !ok || !model.Present(v) {
			continue
		}
		value := model.Stringify(v)
		if IsCustom(external) {
			custom, _ := payload[CustomContainer].(map[string]any)
			if custom == nil {
				custom = map[string]any{}
				payload[CustomContainer] = custom
			}
			custom[external] = value
			continue
		}
		payload[external] = value
	}
	return payload
}

// Invert derives the reverse table (provider field -> internal field).
// When two internal fields map to the same provider field the
// lexicographically first internal name wins.
func Invert(table map[string]string) map[string]string {
	internals := make([]string, 0, len(table))
	for k := range table {
		internals = append(internals, k)
	}
	sort.Strings(internals)

	inv := make(map[string]string, len(table))
	for _, internal := range internals {
		external := table[internal]
		if _, taken := inv[external]; taken {
			continue
		}
		inv[external] = internal
	}
	return inv
}

// Reverse resolves provider properties into internal field values using an
// inverted table. Custom fields are read from CustomContainer when the
// provider nests them there. Unmapped properties are ignored.
func Reverse(props map[string]any, inverted map[string]string) map[string]any {
	out := make(map[string]any)
	for external, value := range props {
		if internal, ok := inverted[external]; ok {
			out[internal] = value
		}
	}
	if custom, ok := props[CustomContainer].(map[string]any); ok {
		for external, value := range custom {
			if internal, ok := inverted[external]; ok {
				if _, set := out[internal]; !set {
					out[internal] = value
				}
			}
		}
	}
	return out
}

// Flatten lifts CustomContainer entries back to the top level for providers
// without a custom-field container. The payload is modified in place.
func Flatten(payload map[string]any) map[string]any {
	custom, ok := payload[CustomContainer].(map[string]any)
	if !ok {
		return payload
	}
	delete(payload, CustomContainer)
	for k, v := range custom {
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	return payload
}

// IsCustom reports whether a provider field name is in the custom namespace.
func IsCustom(field string) bool {
	return strings.HasPrefix(field, CustomPrefix)
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
