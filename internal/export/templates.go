package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var listingTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/listing.html")
	if err != nil {
		listingTemplate = template.Must(template.New("listing").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	listingTemplate = template.Must(template.New("listing").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for listing template rendering
type TemplateData struct {
	Title         string
	ShortRevision string
	Author        string
	UpdatedAt     time.Time
	BlockCount    int
	BlockTypes    []string
	ContentHTML   template.HTML
}

// RenderListingHTML renders the listing template with provided data
func RenderListingHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := listingTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">revision {{.ShortRevision}} | {{.BlockCount}} blocks</div>
  {{.ContentHTML}}
</body>
</html>`
