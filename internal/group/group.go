// Package group assembles regional, service, and meta groups from a
// classified node list.
package group

import (
	"strings"

	"github.com/subflow-proxy/subflow/internal/classify"
	"github.com/subflow-proxy/subflow/internal/model"
)

// URL-test defaults applied to every group a client config turns into a
// latency-selected selector.
const (
	DefaultTestURL   = "http://www.gstatic.com/generate_204"
	DefaultInterval  = 300 // seconds
	DefaultTolerance = 150 // milliseconds
)

// OthersGroupName collects nodes outside the regional shortlist.
const OthersGroupName = "Others"

// regionShortlist holds the countries that get their own top-level artifact;
// everything else lands in Others.
var regionShortlist = map[string]bool{
	"HK": true, "SG": true, "US": true, "JP": true, "TW": true,
}

// MetaGroupSpec declares one meta-group. Members are the union of the
// referenced groups' members plus nodes carrying any of the listed tags.
type MetaGroupSpec struct {
	Name          string   `json:"name" yaml:"name"`
	IncludeGroups []string `json:"include_groups,omitempty" yaml:"include_groups,omitempty"`
	IncludeByTag  []string `json:"include_by_tag,omitempty" yaml:"include_by_tag,omitempty"`
	IncludeDirect bool     `json:"include_direct,omitempty" yaml:"include_direct,omitempty"`
	IncludeReject bool     `json:"include_reject,omitempty" yaml:"include_reject,omitempty"`
	IncludeCustom []string `json:"include_custom,omitempty" yaml:"include_custom,omitempty"`
}

// DefaultMetaGroups is the built-in meta-group table.
var DefaultMetaGroups = []MetaGroupSpec{
	{Name: "🚀 节点选择", IncludeGroups: []string{"*"}, IncludeDirect: true},
	{Name: "📺 流媒体", IncludeByTag: []string{"Netflix", "Disney+", "YouTube", "Streaming"}},
	{Name: "🤖 AI服务", IncludeByTag: []string{"OpenAI"}},
	{Name: "🐟 漏网之鱼", IncludeGroups: []string{"*"}, IncludeDirect: true, IncludeReject: true},
}

// Result is the output of one grouping pass. Order within each slice is the
// construction order, which downstream emitters preserve. MetaSpecs carries
// the declarative table the meta-groups were built from so emitters can honor
// the per-group policy flags.
type Result struct {
	Regional  []*model.Group
	Others    *model.Group
	Service   []*model.Group
	Meta      []*model.Group
	MetaSpecs []MetaGroupSpec
}

// MetaSpec returns the declarative spec behind the named meta-group. Unknown
// names get a DIRECT-only spec so hand-assembled results keep the historical
// default.
func (r *Result) MetaSpec(name string) MetaGroupSpec {
	for _, spec := range r.MetaSpecs {
		if spec.Name == name {
			return spec
		}
	}
	return MetaGroupSpec{Name: name, IncludeDirect: true}
}

// All returns every group in emission order: regional, Others, service, meta.
func (r *Result) All() []*model.Group {
	groups := make([]*model.Group, 0, len(r.Regional)+len(r.Service)+len(r.Meta)+1)
	groups = append(groups, r.Regional...)
	if r.Others != nil {
		groups = append(groups, r.Others)
	}
	groups = append(groups, r.Service...)
	groups = append(groups, r.Meta...)
	return groups
}

// Grouper builds groups from classified nodes.
type Grouper struct {
	classifier *classify.Classifier
	metaSpecs  []MetaGroupSpec
}

// New creates a Grouper. Nil metaSpecs selects the built-in table.
func New(classifier *classify.Classifier, metaSpecs []MetaGroupSpec) *Grouper {
	if metaSpecs == nil {
		metaSpecs = DefaultMetaGroups
	}
	return &Grouper{classifier: classifier, metaSpecs: metaSpecs}
}

// Build derives all groups from the node list. Nodes must already be
// classified; grouping reads Geo and Tags, never the raw names.
func (g *Grouper) Build(nodes []*model.Node) *Result {
	result := &Result{}

	byCountry := map[string][]*model.Node{}
	var countryOrder []string
	var others []*model.Node

	for _, n := range nodes {
		code := ""
		if n.Geo != nil {
			code = n.Geo.CountryCode
		}
		if code == "" && len(n.Tags) > 0 && g.classifier.KnownCountry(n.Tags[0]) {
			code = n.Tags[0]
		}
		if code != "" {
			if _, seen := byCountry[code]; !seen {
				countryOrder = append(countryOrder, code)
			}
			byCountry[code] = append(byCountry[code], n)
		}
		if !regionShortlist[code] {
			others = append(others, n)
		}
	}

	for _, code := range countryOrder {
		result.Regional = append(result.Regional, &model.Group{
			Key:         code,
			DisplayName: regionDisplayName(g.classifier, code),
			Kind:        model.GroupKindRegion,
			Members:     byCountry[code],
		})
	}

	result.Others = &model.Group{
		Key:         OthersGroupName,
		DisplayName: OthersGroupName,
		Kind:        model.GroupKindRegion,
		Members:     others,
	}

	result.Service = g.buildServiceGroups(nodes)
	result.Meta = g.buildMetaGroups(result, nodes)
	result.MetaSpecs = g.metaSpecs
	return result
}

// regionDisplayName renders "<flag> <chinese-name>节点".
func regionDisplayName(c *classify.Classifier, code string) string {
	name := c.CountryNameZH(code)
	flag := classify.FlagFor(code)
	return strings.TrimSpace(flag+" "+name) + "节点"
}

// serviceLabelSet mirrors the classifier's service labels so service groups
// only form around known tags, not country or protocol tags.
var serviceLabelSet = map[string]bool{
	"Netflix": true, "OpenAI": true, "Disney+": true, "YouTube": true,
	"Telegram": true, "TikTok": true, "Spotify": true, "Gaming": true,
	"Streaming": true,
}

func (g *Grouper) buildServiceGroups(nodes []*model.Node) []*model.Group {
	byService := map[string][]*model.Node{}
	var order []string
	for _, n := range nodes {
		for _, tag := range n.Tags {
			if !serviceLabelSet[tag] {
				continue
			}
			if _, seen := byService[tag]; !seen {
				order = append(order, tag)
			}
			byService[tag] = append(byService[tag], n)
		}
	}

	groups := make([]*model.Group, 0, len(order))
	for _, tag := range order {
		groups = append(groups, &model.Group{
			Key:         tag,
			DisplayName: tag,
			Kind:        model.GroupKindService,
			Members:     byService[tag],
		})
	}
	return groups
}

// buildMetaGroups expands the declarative table. "*" in IncludeGroups means
// every regional group plus Others.
func (g *Grouper) buildMetaGroups(built *Result, nodes []*model.Node) []*model.Group {
	byKey := map[string]*model.Group{}
	for _, grp := range built.All() {
		byKey[grp.Key] = grp
		byKey[grp.DisplayName] = grp
	}

	var metas []*model.Group
	for _, spec := range g.metaSpecs {
		members := make([]*model.Node, 0)
		seen := map[string]bool{}
		add := func(list []*model.Node) {
			for _, n := range list {
				if seen[n.ID] {
					continue
				}
				seen[n.ID] = true
				members = append(members, n)
			}
		}

		for _, ref := range spec.IncludeGroups {
			if ref == "*" {
				for _, grp := range built.Regional {
					add(grp.Members)
				}
				if built.Others != nil {
					add(built.Others.Members)
				}
				continue
			}
			if grp, ok := byKey[ref]; ok {
				add(grp.Members)
			}
		}
		for _, tag := range spec.IncludeByTag {
			for _, n := range nodes {
				for _, t := range n.Tags {
					if t == tag {
						add([]*model.Node{n})
						break
					}
				}
			}
		}

		metas = append(metas, &model.Group{
			Key:         spec.Name,
			DisplayName: spec.Name,
			Kind:        model.GroupKindMeta,
			Members:     members,
		})
	}
	return metas
}
