package build

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	blockRegex      = regexp.MustCompile(`(?s)<(script|template|style)(\s[^>]*)?>(.*?)</(?:script|style)>`)
	langAttrRegex   = regexp.MustCompile(`\blang\s*=\s*["']([a-zA-Z]+)["']`)
	setupAttrRegex  = regexp.MustCompile(`\bsetup\b`)
	exportDefaultRe = regexp.MustCompile(`\bexport\s+default\b`)
	exportRenderRe  = regexp.MustCompile(`\bexport\s+function\s+render\b`)
)

// errScriptSetup is returned for components using <script setup>
var errScriptSetup = errors.New("<script setup> is not supported, use a plain <script> block")

// sfcDescriptor is a single-file component split into blocks
type sfcDescriptor struct {
	Script     string
	ScriptLang string
	Template   string
	Styles     []string
}

// parseSFC splits a component into its blocks. The template block is taken
// as everything between the first <template> and the last </template>, so
// nested <template> tags survive.
func parseSFC(src string) (*sfcDescriptor, error) {
	d := &sfcDescriptor{ScriptLang: "js"}

	if start := strings.Index(src, "<template"); start >= 0 {
		open := strings.Index(src[start:], ">")
		end := strings.LastIndex(src, "</template>")
		if open < 0 || end < start+open {
			return nil, fmt.Errorf("unterminated <template> block")
		}
		d.Template = strings.TrimSpace(src[start+open+1 : end])
		src = src[:start] + src[end+len("</template>"):]
	}

	for _, m := range blockRegex.FindAllStringSubmatch(src, -1) {
		tag, attrs, body := m[1], m[2], m[3]
		switch tag {
		case "script":
			if setupAttrRegex.MatchString(attrs) {
				return nil, errScriptSetup
			}
			if d.Script != "" {
				return nil, fmt.Errorf("multiple <script> blocks")
			}
			d.Script = strings.TrimSpace(body)
			if lm := langAttrRegex.FindStringSubmatch(attrs); lm != nil {
				d.ScriptLang = strings.ToLower(lm[1])
			}
		case "style":
			if lm := langAttrRegex.FindStringSubmatch(attrs); lm != nil && lm[1] != "css" {
				return nil, fmt.Errorf("style lang %q is not supported", lm[1])
			}
			if css := strings.TrimSpace(body); css != "" {
				d.Styles = append(d.Styles, css)
			}
		}
	}

	if d.ScriptLang != "js" && d.ScriptLang != "ts" {
		return nil, fmt.Errorf("script lang %q is not supported", d.ScriptLang)
	}
	return d, nil
}

// componentID is a stable id derived from the component path
func componentID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:4])
}

// assembleSFC joins compiled blocks into one ES module whose default export
// is the component options object with render attached
func assembleSFC(id, script, render string, styles []string) string {
	var b strings.Builder

	if strings.TrimSpace(script) == "" {
		b.WriteString("const __sfc__ = {};\n")
	} else {
		b.WriteString(exportDefaultRe.ReplaceAllString(strings.TrimSpace(script), "const __sfc__ ="))
		b.WriteString("\n")
	}

	if strings.TrimSpace(render) != "" {
		b.WriteString("\n")
		b.WriteString(exportRenderRe.ReplaceAllString(strings.TrimSpace(render), "function render"))
		b.WriteString("\n__sfc__.render = render;\n")
	}

	if len(styles) > 0 {
		b.WriteString("\n")
		b.WriteString(styleSnippet(id, strings.Join(styles, "\n")))
	}

	b.WriteString("\nexport default __sfc__;\n")
	return b.String()
}

// styleSnippet injects css into the document once per component
func styleSnippet(id, css string) string {
	quoted, _ := json.Marshal(css)
	return fmt.Sprintf(`(function () {
  if (typeof document === "undefined") return;
  var id = "plugd-style-%s";
  if (document.getElementById(id)) return;
  var el = document.createElement("style");
  el.id = id;
  el.textContent = %s;
  document.head.appendChild(el);
})();
`, id, quoted)
}
