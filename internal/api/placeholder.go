package api

import (
	"html/template"
	"net/http"

	"sketchbook/internal/sandbox"
)

// Placeholder is what a viewer sees instead of pages when a run failed.
type Placeholder struct {
	Classification string `json:"classification"`
	Title          string `json:"title"`
	Guidance       string `json:"guidance"`
	Message        string `json:"message"`
	Details        string `json:"details,omitempty"` // raw captured stderr
}

var guidance = map[sandbox.FailureKind]string{
	sandbox.FailureSyntax:      "The script could not be parsed. Check the reported line for unbalanced brackets, missing colons or bad indentation.",
	sandbox.FailureRuntime:     "The script started but raised an error. The traceback below shows where it stopped.",
	sandbox.FailureTimeout:     "The script ran longer than the configured time limit and was stopped. Look for unbounded loops or reduce the amount of work per frame.",
	sandbox.FailureEnvironment: "The interpreter or a required library is not available. Activate the project's virtual environment and install drawBot.",
	sandbox.FailureDecode:      "The script finished but its output could not be read as an image. Make sure it saves PNG, JPEG, GIF or PDF files.",
}

// NewPlaceholder builds the placeholder for a failure classification. The
// executor's message is kept verbatim, so a timeout names its limit.
func NewPlaceholder(classification, message, stderr string) Placeholder {
	kind := sandbox.FailureKind(classification)
	g, ok := guidance[kind]
	if !ok {
		g = "The execution failed. See the details below."
	}
	return Placeholder{
		Classification: classification,
		Title:          kind.Title(),
		Guidance:       g,
		Message:        message,
		Details:        stderr,
	}
}

var placeholderPage = template.Must(template.New("placeholder").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Sketch}}: {{.Title}}</title>
<style>
body{font-family:-apple-system,Helvetica,sans-serif;margin:2rem;color:#222}
.box{border-left:4px solid {{.Color}};padding:1rem 1.5rem;background:#fafafa}
pre{background:#1e1e1e;color:#eee;padding:1rem;overflow:auto;font-size:12px}
</style></head>
<body>
<div class="box" data-classification="{{.Classification}}">
<h2>{{.Title}}</h2>
<p>{{.Message}}</p>
<p>{{.Guidance}}</p>
{{if .Details}}<pre>{{.Details}}</pre>{{end}}
</div>
</body>
</html>
`))

var placeholderColors = map[string]string{
	string(sandbox.FailureSyntax):      "#d9822b",
	string(sandbox.FailureRuntime):     "#db3737",
	string(sandbox.FailureTimeout):     "#7157d9",
	string(sandbox.FailureEnvironment): "#2b95d6",
	string(sandbox.FailureDecode):      "#a67908",
}

func writePlaceholderHTML(w http.ResponseWriter, status int, sketch string, p Placeholder) error {
	color, ok := placeholderColors[p.Classification]
	if !ok {
		color = "#888"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	return placeholderPage.Execute(w, struct {
		Placeholder
		Sketch string
		Color  string
	}{p, sketch, color})
}
