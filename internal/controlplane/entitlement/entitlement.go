// Package entitlement is the single source of truth for whether an operator
// may issue a given command against an agent on a given subscription tier.
// It is a pure function of (role, tier, command) — see spec §4.1 — so both
// the command-submission path and the per-feature self-enable path can
// consult it without risk of drifting apart.
package entitlement

import (
	"fmt"

	"github.com/sentryctl/fleet/internal/protocol"
)

// Tier is the agent subscription tier, a total order Free < Starter <
// Professional < Enterprise.
type Tier int

const (
	TierFree Tier = iota
	TierStarter
	TierProfessional
	TierEnterprise
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierStarter:
		return "starter"
	case TierProfessional:
		return "professional"
	case TierEnterprise:
		return "enterprise"
	default:
		return "unknown"
	}
}

// ParseTier converts a stored tier name back into a Tier. Unknown names
// resolve to TierFree so a missing/garbled tier fails closed to the most
// restrictive entitlement rather than the most permissive.
func ParseTier(s string) Tier {
	switch s {
	case "starter":
		return TierStarter
	case "professional":
		return TierProfessional
	case "enterprise":
		return TierEnterprise
	default:
		return TierFree
	}
}

// Role is the operator role used for command authorization. Ordering here is
// specific to this purpose (see spec §4.1): User < Admin < Analyst <
// SystemAdmin.
type Role int

const (
	RoleUser Role = iota
	RoleAdmin
	RoleAnalyst
	RoleSystemAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	case RoleAnalyst:
		return "analyst"
	case RoleSystemAdmin:
		return "system_admin"
	default:
		return "unknown"
	}
}

// DenialKind distinguishes why a command was refused, so the edge can render
// an upsell prompt ("tier too low") separately from an access-denied message
// ("role too low").
type DenialKind string

const (
	DenialNone     DenialKind = ""
	DenialTier     DenialKind = "tier_too_low"
	DenialRole     DenialKind = "role_too_low"
	DenialUnknown  DenialKind = "unknown_command"
)

// Decision is the result of a Resolve call.
type Decision struct {
	Allowed      bool
	Denial       DenialKind
	RequiredTier Tier
	RequiredRole Role
}

// requirement pins the minimum role and tier for one command family.
type requirement struct {
	role Role
	tier Tier
}

// table is the static minimum-role/minimum-tier map from spec §4.1. It is
// populated once at package init and never mutated, which is what lets
// Resolve be a pure function (spec invariant 5).
var table = map[protocol.CommandKind]requirement{
	// system status / agent status
	protocol.CmdGetSystemInfo:  {RoleUser, TierFree},
	protocol.CmdGetAgentStatus: {RoleUser, TierFree},

	// process/service/network listing, system metrics
	protocol.CmdGetProcessList:        {RoleAdmin, TierStarter},
	protocol.CmdGetServices:           {RoleAdmin, TierStarter},
	protocol.CmdGetNetworkConnections: {RoleAdmin, TierStarter},
	protocol.CmdGetInstalledSoftware:  {RoleAdmin, TierStarter},
	protocol.CmdGetSystemMetrics:      {RoleAdmin, TierStarter},

	// file hash / content / listing / metadata / search
	protocol.CmdGetFileHash:           {RoleAdmin, TierProfessional},
	protocol.CmdGetFileContent:        {RoleAdmin, TierProfessional},
	protocol.CmdListDirectoryContents: {RoleAdmin, TierProfessional},
	protocol.CmdFindFiles:             {RoleAdmin, TierProfessional},
	protocol.CmdGetFileMetadata:       {RoleAdmin, TierProfessional},

	// security scan, security/threat logs, quarantine
	protocol.CmdRunQuickScan:        {RoleAnalyst, TierProfessional},
	protocol.CmdRunFullScan:         {RoleAnalyst, TierProfessional},
	protocol.CmdGetSecurityLogs:     {RoleAnalyst, TierProfessional},
	protocol.CmdGetThreatDetections: {RoleAnalyst, TierProfessional},
	protocol.CmdQuarantineFile:      {RoleAnalyst, TierProfessional},

	// forensic collection, memory dump, registry, event logs, packet capture
	protocol.CmdCollectForensicData:   {RoleAnalyst, TierEnterprise},
	protocol.CmdCreateMemoryDump:      {RoleAnalyst, TierEnterprise},
	protocol.CmdGetRegistryKeys:       {RoleAnalyst, TierEnterprise},
	protocol.CmdGetEventLogs:          {RoleAnalyst, TierEnterprise},
	protocol.CmdCollectNetworkCapture: {RoleAnalyst, TierEnterprise},

	// agent update, feature enable/disable, restart, reconfigure — min tier
	// is the tier OF THE TARGET AGENT, supplied by the caller at Resolve time.
	protocol.CmdUpdateAgent:         {RoleSystemAdmin, TierFree},
	protocol.CmdEnableFeature:       {RoleSystemAdmin, TierFree},
	protocol.CmdDisableFeature:      {RoleSystemAdmin, TierFree},
	protocol.CmdRestartAgent:        {RoleSystemAdmin, TierFree},
	protocol.CmdUpdateConfiguration: {RoleSystemAdmin, TierFree},
	protocol.CmdGetAgentLogs:        {RoleSystemAdmin, TierFree},

	// emergency_isolate / configure are server-synthesized, not operator
	// submitted; they bypass this table entirely (see session.Manager).
}

// agentTierCommands is the family from spec §4.1 whose minimum tier is the
// target agent's own tier rather than a fixed floor.
var agentTierCommands = map[protocol.CommandKind]bool{
	protocol.CmdUpdateAgent:         true,
	protocol.CmdEnableFeature:       true,
	protocol.CmdDisableFeature:      true,
	protocol.CmdRestartAgent:        true,
	protocol.CmdUpdateConfiguration: true,
	protocol.CmdGetAgentLogs:        true,
}

// Resolver is the stateless C1 component. It holds no mutable state; every
// method is safe for concurrent use without synchronization.
type Resolver struct{}

// New creates an Entitlement Resolver.
func New() *Resolver { return &Resolver{} }

// Resolve answers: is this command allowed for this operator role against an
// agent on this subscription tier? agentTier is consulted only for the
// "target agent tier" command family; it is ignored for fixed-floor commands.
func (r *Resolver) Resolve(role Role, agentTier Tier, cmd protocol.CommandKind) Decision {
	req, ok := table[cmd]
	if !ok {
		return Decision{Allowed: false, Denial: DenialUnknown}
	}

	requiredTier := req.tier
	if agentTierCommands[cmd] {
		requiredTier = agentTier
	}

	if role < req.role {
		return Decision{Allowed: false, Denial: DenialRole, RequiredRole: req.role, RequiredTier: requiredTier}
	}
	if agentTier < requiredTier {
		return Decision{Allowed: false, Denial: DenialTier, RequiredTier: requiredTier, RequiredRole: req.role}
	}
	return Decision{Allowed: true, RequiredRole: req.role, RequiredTier: requiredTier}
}

// AllowFeature is the per-feature module self-enable path. It consults the
// exact same table as command submission (spec §4.1: "the resolver is the
// single source of truth"), treating a feature name as its analogous
// enable_feature/disable_feature command.
func (r *Resolver) AllowFeature(role Role, agentTier Tier, enable bool) Decision {
	cmd := protocol.CmdEnableFeature
	if !enable {
		cmd = protocol.CmdDisableFeature
	}
	return r.Resolve(role, agentTier, cmd)
}

// Error adapts a denied Decision into the AuthorizationDenied error type from
// spec §7, carrying the missing requirement so the edge can render a
// tier/role-specific message.
type Error struct {
	Kind         DenialKind
	RequiredTier Tier
	RequiredRole Role
}

func (e *Error) Error() string {
	switch e.Kind {
	case DenialTier:
		return fmt.Sprintf("authorization denied: requires tier %s or higher", e.RequiredTier)
	case DenialRole:
		return fmt.Sprintf("authorization denied: requires role %s or higher", e.RequiredRole)
	case DenialUnknown:
		return "authorization denied: unknown command"
	default:
		return "authorization denied"
	}
}

// AsError converts a Decision into an error, or nil if allowed.
func (d Decision) AsError() error {
	if d.Allowed {
		return nil
	}
	return &Error{Kind: d.Denial, RequiredTier: d.RequiredTier, RequiredRole: d.RequiredRole}
}
