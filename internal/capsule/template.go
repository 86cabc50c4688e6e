package capsule

import (
	"strconv"
	"strings"
)

// Render expands the template's token placeholders against a concrete
// reading. Supported tokens: {source}, {metric}, {value}.
func (t Template) Render(sourceID, metric string, value float64) (title, description string) {
	r := strings.NewReplacer(
		"{source}", sourceID,
		"{metric}", metric,
		"{value}", strconv.FormatFloat(value, 'g', -1, 64),
	)
	return r.Replace(t.Title), r.Replace(t.Description)
}
