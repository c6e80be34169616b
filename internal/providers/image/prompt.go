package image

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"drisya/internal/domain"
)

// DefaultNegativePrompt captures undesirable artefacts we want the model to avoid.
const DefaultNegativePrompt = "low quality, blurry, distorted, washed out, warped product, extra objects, text artefacts, watermark"

// BuildPrompt turns a template payload into an edit instruction. An explicit
// prompt on the template is used verbatim; otherwise one is composed from the
// background, lighting and category hints.
func BuildPrompt(p domain.TemplatePayload) string {
	if prompt := strings.TrimSpace(p.Prompt); prompt != "" {
		return prompt
	}

	title := cases.Title(language.English)
	var lines []string
	if category := humanize(p.Category); category != "" {
		lines = append(lines, fmt.Sprintf("Professional %s product photograph.", strings.ToLower(category)))
	} else {
		lines = append(lines, "Professional product photograph.")
	}
	lines = append(lines, "Keep the product itself unchanged: preserve its shape, texture, colours and logo without warping.")

	if bg := humanize(p.BackgroundStyle); bg != "" {
		lines = append(lines, fmt.Sprintf("Replace the background with a %s setting.", title.String(bg)))
	} else {
		lines = append(lines, "Replace the background with a clean seamless studio backdrop.")
	}
	if light := humanize(p.LightingPreset); light != "" {
		lines = append(lines, fmt.Sprintf("Use %s lighting with natural shadows consistent with the scene.", title.String(light)))
	} else {
		lines = append(lines, "Use soft, even studio lighting with natural shadows.")
	}
	lines = append(lines, "Sharp focus, high detail, e-commerce ready.")
	return strings.Join(lines, " ")
}

// humanize turns slug-like identifiers such as "soft_box" into words.
func humanize(v string) string {
	v = strings.TrimSpace(v)
	v = strings.NewReplacer("_", " ", "-", " ").Replace(v)
	return strings.Join(strings.Fields(v), " ")
}
