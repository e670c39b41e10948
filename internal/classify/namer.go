package classify

import (
	"fmt"
	"strings"

	"github.com/subflow-proxy/subflow/internal/model"
)

// DefaultNameTemplate composes the rewritten display name. Supported tokens:
// {country} {protocol} {tags} {number}.
const DefaultNameTemplate = "{country} {protocol} {tags} {number}"

// Namer rewrites node display names to a uniform template with per-country
// sequence numbers.
type Namer struct {
	classifier *Classifier
	template   string
}

// NewNamer creates a Namer. An empty template selects the default.
func NewNamer(classifier *Classifier, template string) *Namer {
	if template == "" {
		template = DefaultNameTemplate
	}
	return &Namer{classifier: classifier, template: template}
}

// Rename rewrites every node's display name in list order. Sequence numbers
// restart at 01 per country and ignore any number present in the source
// name. The original name is preserved under RawDisplayName.
func (nm *Namer) Rename(nodes []*model.Node) {
	counters := map[string]int{}
	for _, n := range nodes {
		cl := nm.classifier.Classify(n)

		counters[cl.CountryCode]++
		name := nm.render(cl, counters[cl.CountryCode])
		if name == "" {
			continue
		}
		if n.RawDisplayName == "" {
			n.RawDisplayName = n.DisplayName
		}
		n.DisplayName = name
		nm.applyLocationCorrection(n, cl)
	}
}

// render substitutes the template tokens and collapses whitespace.
func (nm *Namer) render(cl Classification, seq int) string {
	country := ""
	if cl.CountryCode != "" {
		country = strings.TrimSpace(FlagFor(cl.CountryCode) + " " + cl.CountryCode)
	}
	tags := strings.Join(cl.Services, " ")

	name := nm.template
	name = strings.ReplaceAll(name, "{country}", country)
	name = strings.ReplaceAll(name, "{protocol}", cl.Protocol)
	name = strings.ReplaceAll(name, "{tags}", tags)
	name = strings.ReplaceAll(name, "{number}", fmt.Sprintf("%02d", seq))
	return strings.Join(strings.Fields(name), " ")
}

// applyLocationCorrection moves a mismatching node's geo to the probe-resolved
// country so the flag in the rewritten name matches where traffic actually
// exits.
func (nm *Namer) applyLocationCorrection(n *model.Node, cl Classification) {
	if n.Probe == nil || !n.Probe.LocationMismatch || n.Probe.ActualGeo == nil {
		return
	}
	actual := n.Probe.ActualGeo
	if actual.CountryCode == "" {
		return
	}
	if n.Geo == nil || n.Geo.CountryCode != actual.CountryCode {
		corrected := *actual
		n.Geo = &corrected
	}
	// The name was rendered from the corrected classification already; only
	// a stale leading flag from a custom template needs replacing.
	if flag := FlagFor(actual.CountryCode); flag != "" && !strings.HasPrefix(n.DisplayName, flag) {
		stripped := strings.TrimSpace(stripFlags(n.DisplayName))
		if strings.HasPrefix(n.DisplayName, stripped) {
			return // name carries no flag at all
		}
		n.DisplayName = strings.Join(strings.Fields(flag+" "+stripped), " ")
	}
}
