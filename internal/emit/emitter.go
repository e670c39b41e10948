package emit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/subflow-proxy/subflow/internal/group"
	"github.com/subflow-proxy/subflow/internal/model"
)

// categoryIcons maps group keys to the icon shown by clients that render
// proxy-group icons.
var categoryIcons = map[string]string{
	"HK":      "https://raw.githubusercontent.com/Koolson/Qure/master/IconSet/Color/Hong_Kong.png",
	"TW":      "https://raw.githubusercontent.com/Koolson/Qure/master/IconSet/Color/Taiwan.png",
	"JP":      "https://raw.githubusercontent.com/Koolson/Qure/master/IconSet/Color/Japan.png",
	"SG":      "https://raw.githubusercontent.com/Koolson/Qure/master/IconSet/Color/Singapore.png",
	"US":      "https://raw.githubusercontent.com/Koolson/Qure/master/IconSet/Color/United_States.png",
	"Others":  "https://raw.githubusercontent.com/Koolson/Qure/master/IconSet/Color/Global.png",
	"Netflix": "https://raw.githubusercontent.com/Koolson/Qure/master/IconSet/Color/Netflix.png",
	"OpenAI":  "https://raw.githubusercontent.com/Koolson/Qure/master/IconSet/Color/ChatGPT.png",
	"Disney+": "https://raw.githubusercontent.com/Koolson/Qure/master/IconSet/Color/Disney+.png",
	"YouTube": "https://raw.githubusercontent.com/Koolson/Qure/master/IconSet/Color/YouTube.png",
}

func iconFor(key string) string {
	if icon, ok := categoryIcons[key]; ok {
		return icon
	}
	return categoryIcons["Others"]
}

// Emitter writes group URI lists and client configs under outputDir.
type Emitter struct {
	log       *slog.Logger
	outputDir string
}

// New creates an Emitter rooted at outputDir.
func New(log *slog.Logger, outputDir string) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{log: log, outputDir: outputDir}
}

// groupFileName maps a group to its artifact file name. Flags and separators
// are stripped so names stay portable across filesystems.
func groupFileName(g *model.Group) string {
	name := g.DisplayName
	if g.Kind == model.GroupKindRegion && g.Key != group.OthersGroupName {
		name = g.Key
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == 0:
			b.WriteRune('_')
		case r >= 0x1F1E6 && r <= 0x1F1FF:
			// flag code points
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String()) + ".txt"
}

// metaSelectorOptions assembles one meta selector's option list: the
// selectable group names, then whichever built-in policies the spec opts
// into, then its custom entries. Policy tags differ per client dialect.
func metaSelectorOptions(spec group.MetaGroupSpec, selectable []string, directTag, rejectTag string) []string {
	options := append([]string{}, selectable...)
	if spec.IncludeDirect {
		options = append(options, directTag)
	}
	if spec.IncludeReject {
		options = append(options, rejectTag)
	}
	return append(options, spec.IncludeCustom...)
}

// GroupLines renders the per-group URI list. Raw advertisement URIs are
// reused verbatim; nodes without one get a synthesized URI. Nodes that fail
// to encode are skipped.
func GroupLines(g *model.Group) []string {
	lines := make([]string, 0, len(g.Members))
	for _, n := range g.Members {
		if n.Raw != "" {
			lines = append(lines, n.Raw)
			continue
		}
		uri, err := EncodeURI(n)
		if err != nil {
			continue
		}
		lines = append(lines, uri)
	}
	return lines
}

// EmitGroups writes one URI list per group under output/groups/, plus a
// legacy top-level copy of each. Files use LF endings and no terminating
// blank line. Returns the written paths and per-artifact errors.
func (e *Emitter) EmitGroups(groups []*model.Group) ([]string, []error) {
	groupsDir := filepath.Join(e.outputDir, "groups")
	if err := os.MkdirAll(groupsDir, 0o755); err != nil {
		return nil, []error{&ConversionError{Artifact: "groups", Err: err}}
	}

	var written []string
	var errs []error
	for _, g := range groups {
		if g.Kind == model.GroupKindMeta {
			continue // meta-groups exist only inside client configs
		}
		name := groupFileName(g)
		body := strings.Join(GroupLines(g), "\n") + "\n"

		path := filepath.Join(groupsDir, name)
		if err := writeFileAtomic(path, []byte(body)); err != nil {
			errs = append(errs, &ConversionError{Artifact: name, Err: err})
			continue
		}
		written = append(written, path)

		// Every list also lands at the legacy top-level location.
		legacy := filepath.Join(e.outputDir, name)
		if err := writeFileAtomic(legacy, []byte(body)); err != nil {
			errs = append(errs, &ConversionError{Artifact: name, Err: err})
			continue
		}
		written = append(written, legacy)
	}
	e.log.Info("group artifacts written", "count", len(written), "errors", len(errs))
	return written, errs
}

// Templates overrides the built-in client config templates per client name.
type Templates struct {
	Clash   string
	Surge   string
	SingBox string
	V2Ray   string
}

// EmitConfigs writes the per-client config artifacts. A client that cannot
// be produced is recorded as an error; the emission succeeds while at least
// one artifact was written.
func (e *Emitter) EmitConfigs(result *group.Result, tpl Templates) ([]string, []error) {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return nil, []error{&ConversionError{Artifact: "output", Err: err}}
	}

	type client struct {
		file   string
		render func() ([]byte, error)
	}
	clients := []client{
		{"clash.yaml", func() ([]byte, error) { return e.EmitClash(result, tpl.Clash) }},
		{"surge.conf", func() ([]byte, error) { return e.EmitSurge(result, tpl.Surge) }},
		{"singbox.json", func() ([]byte, error) { return e.EmitSingBox(result, tpl.SingBox) }},
		{"v2ray.json", func() ([]byte, error) { return e.EmitV2Ray(result, tpl.V2Ray) }},
	}

	var written []string
	var errs []error
	for _, c := range clients {
		body, err := c.render()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		path := filepath.Join(e.outputDir, c.file)
		if err := writeFileAtomic(path, body); err != nil {
			errs = append(errs, &ConversionError{Artifact: c.file, Err: err})
			continue
		}
		written = append(written, path)
	}
	e.log.Info("client configs written", "count", len(written), "errors", len(errs))
	return written, errs
}

// writeFileAtomic writes via temp file and rename so readers never observe a
// partial artifact.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".emit.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
