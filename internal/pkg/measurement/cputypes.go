// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package measurement

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// ErrCPUTypeRejected is returned when the CPU type table fails validation.
var ErrCPUTypeRejected = errors.New("cpu type rejected")

var sigRe = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

// SpecKind discriminates the three ways a vCPU may be specified.
type SpecKind string

// Supported spec kinds.
const (
	// SpecKindType is a named CPU type, checked against the allow-list.
	SpecKindType SpecKind = "type"
	// SpecKindSig is a raw vCPU signature, structurally validated only.
	SpecKindSig SpecKind = "sig"
	// SpecKindFMS is a family/model/stepping triple, structurally validated
	// only.
	SpecKindFMS SpecKind = "fms"
)

// CPUSpec is a normalized vCPU specification.
type CPUSpec struct {
	Kind SpecKind

	// Type is set for SpecKindType.
	Type string
	// Sig is set for SpecKindSig (lowercase 0x hex).
	Sig string
	// Family/Model/Stepping are set for SpecKindFMS.
	Family   int
	Model    int
	Stepping int
}

// ID is the stable identifier used for uniqueness checks.
func (s CPUSpec) ID() string {
	switch s.Kind {
	case SpecKindType:
		return "type:" + s.Type
	case SpecKindSig:
		return "sig:" + s.Sig
	case SpecKindFMS:
		return fmt.Sprintf("fms:%d:%d:%d", s.Family, s.Model, s.Stepping)
	default:
		return "unknown"
	}
}

// Label is the human readable form used in result lines and as the
// measurement map key.
func (s CPUSpec) Label() string {
	switch s.Kind {
	case SpecKindType:
		return s.Type
	case SpecKindSig:
		return "vcpu-sig=" + s.Sig
	case SpecKindFMS:
		return fmt.Sprintf("vcpu-family=%d,vcpu-model=%d,vcpu-stepping=%d", s.Family, s.Model, s.Stepping)
	default:
		return "unknown"
	}
}

// Args renders the measurement tool arguments selecting this vCPU.
func (s CPUSpec) Args() []string {
	switch s.Kind {
	case SpecKindType:
		return []string{"--vcpu-type", s.Type}
	case SpecKindSig:
		return []string{"--vcpu-sig", s.Sig}
	case SpecKindFMS:
		return []string{
			"--vcpu-family", strconv.Itoa(s.Family),
			"--vcpu-model", strconv.Itoa(s.Model),
			"--vcpu-stepping", strconv.Itoa(s.Stepping),
		}
	default:
		return nil
	}
}

// MarshalJSON emits the normalized object form.
func (s CPUSpec) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case SpecKindType:
		return json.Marshal(struct {
			Kind SpecKind `json:"kind"`
			Type string   `json:"type"`
		}{s.Kind, s.Type})
	case SpecKindSig:
		return json.Marshal(struct {
			Kind SpecKind `json:"kind"`
			Sig  string   `json:"sig"`
		}{s.Kind, s.Sig})
	case SpecKindFMS:
		return json.Marshal(struct {
			Kind     SpecKind `json:"kind"`
			Family   int      `json:"family"`
			Model    int      `json:"model"`
			Stepping int      `json:"stepping"`
		}{s.Kind, s.Family, s.Model, s.Stepping})
	default:
		return nil, fmt.Errorf("unknown cpu spec kind %q", s.Kind)
	}
}

// UnmarshalJSON accepts any of the user input forms as well as the normalized
// form:
//
//	"EPYC-Milan"                           named type
//	"0x0a201009"                           signature
//	{"vcpu_sig": "0x0a201009"}             signature
//	{"sig": "0x0a201009"}                  signature (also normalized form)
//	{"family": 25, "model": 1, "stepping": 2}
//
//nolint:gocyclo
func (s *CPUSpec) UnmarshalJSON(data []byte) error {
	var asString string

	if err := json.Unmarshal(data, &asString); err == nil {
		trimmed := strings.TrimSpace(asString)
		if trimmed == "" {
			return fmt.Errorf("%w: empty string entry", ErrCPUTypeRejected)
		}

		if sigRe.MatchString(trimmed) {
			*s = CPUSpec{Kind: SpecKindSig, Sig: strings.ToLower(trimmed)}
		} else {
			*s = CPUSpec{Kind: SpecKindType, Type: trimmed}
		}

		return nil
	}

	var fields map[string]json.RawMessage

	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: entries must be strings or objects", ErrCPUTypeRejected)
	}

	if raw, ok := fields["vcpu_sig"]; ok {
		return s.unmarshalSig(raw)
	}

	if raw, ok := fields["sig"]; ok {
		return s.unmarshalSig(raw)
	}

	if _, ok := fields["family"]; ok {
		triple := struct {
			Family   *int `json:"family"`
			Model    *int `json:"model"`
			Stepping *int `json:"stepping"`
		}{}

		if err := json.Unmarshal(data, &triple); err != nil ||
			triple.Family == nil || triple.Model == nil || triple.Stepping == nil {
			return fmt.Errorf("%w: family/model/stepping must all be integers", ErrCPUTypeRejected)
		}

		if *triple.Family < 0 || *triple.Model < 0 || *triple.Stepping < 0 {
			return fmt.Errorf("%w: family/model/stepping must be non-negative", ErrCPUTypeRejected)
		}

		*s = CPUSpec{Kind: SpecKindFMS, Family: *triple.Family, Model: *triple.Model, Stepping: *triple.Stepping}

		return nil
	}

	if raw, ok := fields["kind"]; ok {
		var kind SpecKind

		if err := json.Unmarshal(raw, &kind); err == nil && kind == SpecKindType {
			var typed struct {
				Type string `json:"type"`
			}

			if err := json.Unmarshal(data, &typed); err != nil || strings.TrimSpace(typed.Type) == "" {
				return fmt.Errorf("%w: malformed named type entry", ErrCPUTypeRejected)
			}

			*s = CPUSpec{Kind: SpecKindType, Type: strings.TrimSpace(typed.Type)}

			return nil
		}
	}

	return fmt.Errorf("%w: object entries must carry either family/model/stepping or a signature", ErrCPUTypeRejected)
}

func (s *CPUSpec) unmarshalSig(raw json.RawMessage) error {
	var asInt int64

	if err := json.Unmarshal(raw, &asInt); err == nil {
		if asInt < 0 {
			return fmt.Errorf("%w: vcpu signature must be non-negative", ErrCPUTypeRejected)
		}

		*s = CPUSpec{Kind: SpecKindSig, Sig: "0x" + strconv.FormatInt(asInt, 16)}

		return nil
	}

	var asString string

	if err := json.Unmarshal(raw, &asString); err == nil && sigRe.MatchString(strings.TrimSpace(asString)) {
		*s = CPUSpec{Kind: SpecKindSig, Sig: strings.ToLower(strings.TrimSpace(asString))}

		return nil
	}

	return fmt.Errorf("%w: vcpu signature must be hex like 0x8b10 or a non-negative integer", ErrCPUTypeRejected)
}

// LoadCPUSpecs reads the configured CPU type table: a non-empty JSON array of
// specs with unique identities.
func LoadCPUSpecs(path string) ([]CPUSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu types: %w", err)
	}

	var specs []CPUSpec

	if err = json.Unmarshal(data, &specs); err != nil {
		var rejected *json.UnmarshalTypeError
		if errors.As(err, &rejected) {
			return nil, fmt.Errorf("%w: %s must be a JSON array", ErrCPUTypeRejected, path)
		}

		return nil, fmt.Errorf("failed to parse cpu types %s: %w", path, err)
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: %s must be a non-empty array", ErrCPUTypeRejected, path)
	}

	seen := map[string]struct{}{}

	for _, spec := range specs {
		id := spec.ID()

		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: duplicate cpu spec %s", ErrCPUTypeRejected, id)
		}

		seen[id] = struct{}{}
	}

	return specs, nil
}

// LoadAllowList reads the allow-list for named CPU types: a non-empty JSON
// array of non-empty strings.
func LoadAllowList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu type allow-list: %w", err)
	}

	var entries []string

	if err = json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s must be a JSON array of strings", ErrCPUTypeRejected, path)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s must be non-empty", ErrCPUTypeRejected, path)
	}

	var out []string //nolint:prealloc

	seen := map[string]struct{}{}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil, fmt.Errorf("%w: %s contains an empty entry", ErrCPUTypeRejected, path)
		}

		if _, ok := seen[entry]; ok {
			continue
		}

		seen[entry] = struct{}{}

		out = append(out, entry)
	}

	return out, nil
}

// ValidateSpecs checks every named CPU type against the allow-list; signature
// and family/model/stepping entries pass through without an allow-list
// lookup.
func ValidateSpecs(specs []CPUSpec, allowList []string) error {
	allowed := map[string]struct{}{}

	for _, entry := range allowList {
		allowed[entry] = struct{}{}
	}

	for _, spec := range specs {
		if spec.Kind != SpecKindType {
			continue
		}

		if _, ok := allowed[spec.Type]; !ok {
			return fmt.Errorf("%w: %q is not present in the allow-list", ErrCPUTypeRejected, spec.Type)
		}
	}

	return nil
}
