// Package errorpage renders the body served when the origin cannot produce a response.
package errorpage

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	sprig "github.com/Masterminds/sprig/v3"

	"github.com/l0p7/pagecache/internal/config"
	"github.com/l0p7/pagecache/internal/pathguard"
)

const defaultTemplate = `<!DOCTYPE html>
<html>
<head><title>{{ .Status }} {{ .StatusText }}</title></head>
<body>
<h1>{{ .StatusText }}</h1>
<p>The site is temporarily unavailable. Please try again shortly.</p>
{{- if .RequestID }}
<p><small>Request {{ .RequestID }}</small></p>
{{- end }}
</body>
</html>
`

// restrictedFuncs are sprig helpers that reach outside the template's data.
var restrictedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// Data is the context handed to the error page template.
type Data struct {
	Status     int
	StatusText string
	Method     string
	Host       string
	Path       string
	RequestID  string
	Time       time.Time
}

// Page is a compiled error page; it is safe for concurrent use.
type Page struct {
	name string
	tmpl *template.Template
}

// New compiles the configured page. An inline template wins over a file; with
// neither configured the built-in page is used. File templates must live inside
// TemplatesFolder.
func New(cfg config.ErrorPageConfig) (*Page, error) {
	switch {
	case strings.TrimSpace(cfg.Template) != "":
		return compile("inline", cfg.Template)
	case strings.TrimSpace(cfg.TemplateFile) != "":
		folder := cfg.TemplatesFolder
		if strings.TrimSpace(folder) == "" {
			folder = filepath.Dir(cfg.TemplateFile)
		}
		guard, err := pathguard.New(folder)
		if err != nil {
			return nil, fmt.Errorf("errorpage: %w", err)
		}
		resolved, err := guard.Resolve(cfg.TemplateFile)
		if err != nil {
			return nil, fmt.Errorf("errorpage: %w", err)
		}
		contents, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("errorpage: read %q: %w", cfg.TemplateFile, err)
		}
		return compile(filepath.Base(resolved), string(contents))
	default:
		return compile("default", defaultTemplate)
	}
}

func compile(name, source string) (*Page, error) {
	funcs := sprig.HtmlFuncMap()
	for _, fn := range restrictedFuncs {
		delete(funcs, fn)
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("errorpage: compile %q: %w", name, err)
	}
	return &Page{name: name, tmpl: tmpl}, nil
}

// Name exposes the logical template name which callers may embed in logs.
func (p *Page) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

// Render executes the page with data.
func (p *Page) Render(data Data) (string, error) {
	if p == nil {
		return "", fmt.Errorf("errorpage: nil page")
	}
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("errorpage: execute %q: %w", p.name, err)
	}
	return buf.String(), nil
}

// Write renders the page for r and writes it with status. A render failure
// degrades to the plain status text.
func (p *Page) Write(w http.ResponseWriter, r *http.Request, status int, requestID string, logger *slog.Logger) {
	data := Data{
		Status:     status,
		StatusText: http.StatusText(status),
		Method:     r.Method,
		Host:       r.Host,
		Path:       r.URL.Path,
		RequestID:  requestID,
		Time:       time.Now().UTC(),
	}
	body, err := p.Render(data)
	if err != nil {
		if logger != nil {
			logger.Error("error page render failed", slog.String("template", p.Name()), slog.Any("error", err))
		}
		http.Error(w, data.StatusText, status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
