// Package keys names cache entries as <domain>:<version>:<scope> and clears
// whole business key families after the data behind them changes.
//
// Every family carries its current version and the versions it replaced.
// Invalidation always covers both, so a deploy that changes what a cached
// computation means cannot leave the old shape behind until its TTL lapses.
package keys

import (
	"context"
	"sort"
	"strings"
)

const sep = ":"

// Build joins domain, version and scope segments into a key
func Build(domain, version string, scope ...string) string {
	parts := make([]string, 0, len(scope)+2)
	parts = append(parts, domain, version)
	parts = append(parts, scope...)
	return strings.Join(parts, sep)
}

// Family is a versioned group of keys sharing a domain
type Family struct {
	Domain  string   `json:"domain"`
	Current string   `json:"current"`
	Legacy  []string `json:"legacy,omitempty"`
}

// Key returns the key under the current version
func (f Family) Key(scope ...string) string {
	return Build(f.Domain, f.Current, scope...)
}

// Versions returns the current version followed by the legacy ones
func (f Family) Versions() []string {
	return append([]string{f.Current}, f.Legacy...)
}

// Keys returns the same scoped key under every version
func (f Family) Keys(scope ...string) []string {
	versions := f.Versions()
	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = Build(f.Domain, v, scope...)
	}
	return out
}

// Pattern matches every scoped key of the current version
func (f Family) Pattern() string {
	return Build(f.Domain, f.Current, "*")
}

// Patterns matches every scoped key of every version
func (f Family) Patterns() []string {
	versions := f.Versions()
	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = Build(f.Domain, v, "*")
	}
	return out
}

var (
	ProcessesCatalog     = Family{Domain: "processes", Current: "v3", Legacy: []string{"v2"}}
	RiskRegister         = Family{Domain: "risk-register", Current: "v2", Legacy: []string{"v1"}}
	RiskHeatMap          = Family{Domain: "risk-heatmap", Current: "v2", Legacy: []string{"v1"}}
	AuditTests           = Family{Domain: "audit-tests", Current: "v2", Legacy: []string{"v1"}}
	ControlLibrary       = Family{Domain: "controls", Current: "v2", Legacy: []string{"v1"}}
	ComplianceFrameworks = Family{Domain: "compliance-frameworks", Current: "v2", Legacy: []string{"v1"}}
	AnalyticsDashboards  = Family{Domain: "analytics", Current: "v3", Legacy: []string{"v2"}}
)

var registry = map[string]Family{}

func init() {
	for _, f := range []Family{
		ProcessesCatalog, RiskRegister, RiskHeatMap, AuditTests,
		ControlLibrary, ComplianceFrameworks, AnalyticsDashboards,
	} {
		registry[f.Domain] = f
	}
}

// Lookup finds a family by domain
func Lookup(domain string) (Family, bool) {
	f, ok := registry[domain]
	return f, ok
}

// Domains lists the known family domains, sorted
func Domains() []string {
	out := make([]string, 0, len(registry))
	for d := range registry {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Invalidator is the part of the cache the helpers drive
type Invalidator interface {
	Invalidate(ctx context.Context, key string)
	InvalidatePattern(ctx context.Context, pattern string)
}

// InvalidateFamily clears every version of a family: the unscoped key and
// all scoped keys.
func InvalidateFamily(ctx context.Context, inv Invalidator, f Family) {
	for _, v := range f.Versions() {
		inv.Invalidate(ctx, Build(f.Domain, v))
		inv.InvalidatePattern(ctx, Build(f.Domain, v, "*"))
	}
}

// InvalidateScoped clears one scoped key under every version of a family
func InvalidateScoped(ctx context.Context, inv Invalidator, f Family, scope ...string) {
	for _, key := range f.Keys(scope...) {
		inv.Invalidate(ctx, key)
	}
}

func invalidateAll(ctx context.Context, inv Invalidator, families ...Family) {
	for _, f := range families {
		InvalidateFamily(ctx, inv, f)
	}
}

// AfterRiskChange runs after a risk is created, scored, or deleted
func AfterRiskChange(ctx context.Context, inv Invalidator) {
	invalidateAll(ctx, inv, RiskRegister, RiskHeatMap, AnalyticsDashboards)
}

// AfterAuditChange runs after audit tests or their results change
func AfterAuditChange(ctx context.Context, inv Invalidator) {
	invalidateAll(ctx, inv, AuditTests, AnalyticsDashboards)
}

// AfterProcessChange runs after the process catalog changes. Risks are
// registered against processes, so the register goes too.
func AfterProcessChange(ctx context.Context, inv Invalidator) {
	invalidateAll(ctx, inv, ProcessesCatalog, RiskRegister, AnalyticsDashboards)
}

// AfterControlChange runs after a control changes. Residual risk and
// framework coverage are both derived from controls.
func AfterControlChange(ctx context.Context, inv Invalidator) {
	invalidateAll(ctx, inv, ControlLibrary, ComplianceFrameworks, RiskHeatMap, AnalyticsDashboards)
}
