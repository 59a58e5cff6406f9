package rule

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/noex/noex-rules/internal/value"
)

// hashDomain versions the rule hash; bump when the hashed shape changes.
const hashDomain = "noex/rule/v1"

// DefinitionHash fingerprints the definitional content of an input: identity,
// trigger, conditions, actions, lookups, and gating fields. Bookkeeping
// (version, timestamps) is excluded so a reloaded-but-unchanged rule hashes
// identically. Used by the hot-reload differ.
func DefinitionHash(in Input) (string, error) {
	doc := map[string]any{
		"id":          in.ID,
		"name":        in.Name,
		"description": in.Description,
		"group":       in.Group,
		"priority":    in.Priority,
		"enabled":     in.enabledOrDefault(),
		"tags":        in.Tags,
		"trigger":     in.Trigger,
		"conditions":  in.Conditions,
		"actions":     in.Actions,
		"lookups":     in.Lookups,
	}
	plain, err := toPlain(doc)
	if err != nil {
		return "", fmt.Errorf("hash rule %s: %w", in.ID, err)
	}
	return value.Hash(hashDomain, plain)
}

// InputOf reconstructs the Input shape from a registered rule, so live rules
// and freshly loaded definitions hash through the same path.
func InputOf(r *Rule) Input {
	enabled := r.Enabled
	return Input{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Group:       r.Group,
		Priority:    r.Priority,
		Enabled:     &enabled,
		Tags:        r.Tags,
		Trigger:     r.Trigger,
		Conditions:  r.Conditions,
		Actions:     r.Actions,
		Lookups:     r.Lookups,
	}
}

// toPlain round-trips v through JSON into maps and slices, preserving
// numbers as json.Number so canonicalization sees the literal digits.
func toPlain(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
