// File: coordinator/policy.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package coordinator

import (
	"sort"
	"strings"

	"github.com/momentics/mediagrid/api"
)

// SharingPolicy decides which resources the slots of a coordinator share.
type SharingPolicy struct {
	SharePool         bool `yaml:"share_pool"`
	ShareBufferPolicy bool `yaml:"share_buffer_policy"`
	ShareContext      bool `yaml:"share_context"`
}

// Named presets. Every preset satisfies Validate.
var (
	PolicyShared            = SharingPolicy{SharePool: true, ShareBufferPolicy: true, ShareContext: true}
	PolicyIsolated          = SharingPolicy{}
	PolicySharedPool        = SharingPolicy{SharePool: true}
	PolicySharedContext     = SharingPolicy{ShareContext: true}
	PolicySharedPoolContext = SharingPolicy{SharePool: true, ShareContext: true}
)

var presets = map[string]SharingPolicy{
	"shared":              PolicyShared,
	"isolated":            PolicyIsolated,
	"shared-pool":         PolicySharedPool,
	"shared-context":      PolicySharedContext,
	"shared-pool-context": PolicySharedPoolContext,
}

// Validate enforces that a shared buffer policy only reasons about memory and
// timing that are themselves shared.
func (p SharingPolicy) Validate() error {
	if p.ShareBufferPolicy && !(p.SharePool && p.ShareContext) {
		return api.Configurationf("a shared buffer policy requires a shared pool and a shared context (got %s)", p)
	}
	return nil
}

// String names the policy by preset, or lists its flags.
func (p SharingPolicy) String() string {
	for name, preset := range presets {
		if preset == p {
			return name
		}
	}
	var flags []string
	if p.SharePool {
		flags = append(flags, "pool")
	}
	if p.ShareBufferPolicy {
		flags = append(flags, "buffer-policy")
	}
	if p.ShareContext {
		flags = append(flags, "context")
	}
	return "share{" + strings.Join(flags, ",") + "}"
}

// ParseSharingPolicy resolves a preset name.
func ParseSharingPolicy(name string) (SharingPolicy, error) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return SharingPolicy{}, api.Configurationf("unknown sharing policy %q (known: %s)", name, strings.Join(PresetNames(), ", "))
	}
	return p, nil
}

// PresetNames lists the preset names in order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for k := range presets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
