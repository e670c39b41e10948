package group

import (
	"strconv"
	"testing"

	"github.com/subflow-proxy/subflow/internal/classify"
	"github.com/subflow-proxy/subflow/internal/model"
)

var seq int

func classifiedNode(t *testing.T, c *classify.Classifier, name, country string) *model.Node {
	t.Helper()
	seq++
	n := &model.Node{
		ID:          "n" + strconv.Itoa(seq),
		DisplayName: name,
		Protocol:    model.ProtocolVmess,
		Server:      "s" + strconv.Itoa(seq),
		Port:        443,
		Geo:         &model.Geo{CountryCode: country},
	}
	c.Classify(n)
	return n
}

func TestBuild_RegionalGroups(t *testing.T) {
	c := classify.New()
	nodes := []*model.Node{
		classifiedNode(t, c, "🇭🇰 one", "HK"),
		classifiedNode(t, c, "🇭🇰 two", "HK"),
		classifiedNode(t, c, "🇩🇪 eins", "DE"),
	}

	result := New(c, nil).Build(nodes)

	if len(result.Regional) != 2 {
		t.Fatalf("regional groups = %d, want 2", len(result.Regional))
	}
	hk := result.Regional[0]
	if hk.Key != "HK" || len(hk.Members) != 2 {
		t.Fatalf("first regional group = %+v", hk)
	}
	if hk.DisplayName != "🇭🇰 香港节点" {
		t.Fatalf("display name = %q", hk.DisplayName)
	}
	if hk.Kind != model.GroupKindRegion {
		t.Fatalf("kind = %q", hk.Kind)
	}
}

func TestBuild_OthersExcludesShortlist(t *testing.T) {
	c := classify.New()
	nodes := []*model.Node{
		classifiedNode(t, c, "🇭🇰 hk", "HK"),
		classifiedNode(t, c, "🇸🇬 sg", "SG"),
		classifiedNode(t, c, "🇩🇪 de", "DE"),
		classifiedNode(t, c, "unknown", ""),
	}

	result := New(c, nil).Build(nodes)

	if result.Others == nil || len(result.Others.Members) != 2 {
		t.Fatalf("others = %+v", result.Others)
	}
	for _, n := range result.Others.Members {
		if n.Geo != nil && regionShortlist[n.Geo.CountryCode] {
			t.Fatalf("shortlist node %s leaked into Others", n.ID)
		}
	}
}

func TestBuild_ServiceGroups(t *testing.T) {
	c := classify.New()
	nodes := []*model.Node{
		classifiedNode(t, c, "🇺🇸 Netflix 01", "US"),
		classifiedNode(t, c, "🇯🇵 chatgpt 01", "JP"),
		classifiedNode(t, c, "🇯🇵 Netflix + gpt", "JP"),
	}

	result := New(c, nil).Build(nodes)

	if len(result.Service) != 2 {
		t.Fatalf("service groups = %d, want 2", len(result.Service))
	}
	if result.Service[0].Key != "Netflix" || len(result.Service[0].Members) != 2 {
		t.Fatalf("netflix group = %+v", result.Service[0])
	}
	if result.Service[1].Key != "OpenAI" || len(result.Service[1].Members) != 2 {
		t.Fatalf("openai group = %+v", result.Service[1])
	}
}

func TestBuild_MetaGroupUnionDeduplicates(t *testing.T) {
	c := classify.New()
	nodes := []*model.Node{
		classifiedNode(t, c, "🇭🇰 Netflix", "HK"),
		classifiedNode(t, c, "🇺🇸 plain", "US"),
	}

	specs := []MetaGroupSpec{
		{Name: "all+nf", IncludeGroups: []string{"*"}, IncludeByTag: []string{"Netflix"}},
		{Name: "by-name", IncludeGroups: []string{"HK"}},
	}
	result := New(c, specs).Build(nodes)

	if len(result.Meta) != 2 {
		t.Fatalf("meta groups = %d", len(result.Meta))
	}
	// The HK node is reachable through both the wildcard and the tag; it must
	// appear once.
	if got := len(result.Meta[0].Members); got != 2 {
		t.Fatalf("union members = %d, want 2", got)
	}
	if got := len(result.Meta[1].Members); got != 1 {
		t.Fatalf("named reference members = %d, want 1", got)
	}
	if result.Meta[0].Kind != model.GroupKindMeta {
		t.Fatalf("kind = %q", result.Meta[0].Kind)
	}
}

func TestBuild_CarriesMetaSpecs(t *testing.T) {
	c := classify.New()
	nodes := []*model.Node{classifiedNode(t, c, "🇭🇰 hk", "HK")}

	specs := []MetaGroupSpec{
		{Name: "policy", IncludeGroups: []string{"*"}, IncludeReject: true, IncludeCustom: []string{"MyPolicy"}},
	}
	result := New(c, specs).Build(nodes)

	got := result.MetaSpec("policy")
	if !got.IncludeReject || len(got.IncludeCustom) != 1 || got.IncludeCustom[0] != "MyPolicy" {
		t.Fatalf("spec = %+v", got)
	}
	if got.IncludeDirect {
		t.Fatal("spec must not gain IncludeDirect")
	}
	// Unknown names fall back to a DIRECT-only spec.
	fallback := result.MetaSpec("missing")
	if !fallback.IncludeDirect || fallback.IncludeReject || len(fallback.IncludeCustom) != 0 {
		t.Fatalf("fallback = %+v", fallback)
	}
}

func TestAll_EmissionOrder(t *testing.T) {
	c := classify.New()
	nodes := []*model.Node{classifiedNode(t, c, "🇭🇰 Netflix", "HK")}
	result := New(c, nil).Build(nodes)

	all := result.All()
	if len(all) < 3 {
		t.Fatalf("groups = %d", len(all))
	}
	if all[0].Kind != model.GroupKindRegion {
		t.Fatal("regional groups must come first")
	}
	if all[len(all)-1].Kind != model.GroupKindMeta {
		t.Fatal("meta groups must come last")
	}
}
