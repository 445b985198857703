package httpd

import (
	"bytes"
	"html/template"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>Index of {{.Path}}</title>
</head>
<body>
	<h1>Index of {{.Path}}</h1>
	<ul>
	{{- range .Entries}}
		<li><a href="{{.Href}}">{{.Name}}</a></li>
	{{- end}}
	</ul>
</body>
</html>
`))

var notFoundTemplate = template.Must(template.New("notfound").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>File not found</title>
</head>
<body>
	<h1>File not found</h1>
	<p>The file <b>{{.Path}}</b> was not found in the workspace.</p>
</body>
</html>
`))

type listingEntry struct {
	Name string
	Href string
}

// handleFile resolves the request path against the workspace root and
// serves the file, a directory index, or the not-found page. Every
// HTML response passes through the injector.
func (s *Server) handleFile(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.Status(http.StatusMethodNotAllowed)
		return
	}

	urlPath, ok := s.stripPrefix(c.Request.URL.Path)
	if !ok {
		s.serveNotFound(c, c.Request.URL.Path)
		return
	}

	workspace := s.conn.Workspace()
	if workspace == "" {
		s.serveNotFound(c, urlPath)
		return
	}

	// Cleaning the rooted path before joining keeps traversal sequences
	// from escaping the workspace.
	fsPath := filepath.Join(workspace, filepath.FromSlash(path.Clean("/"+urlPath)))
	if !s.conn.CanGetPath(fsPath) {
		s.serveNotFound(c, urlPath)
		return
	}

	info, err := os.Stat(fsPath)
	if err != nil {
		s.serveNotFound(c, urlPath)
		return
	}

	if info.IsDir() {
		s.serveDirectory(c, fsPath, urlPath)
		return
	}

	s.serveFile(c, fsPath)
}

// stripPrefix removes the configured path prefix from p. It reports
// false when a prefix is configured and p lies outside it.
func (s *Server) stripPrefix(p string) (string, bool) {
	prefix := s.conn.RootPrefix()
	if prefix == "" || prefix == "/" {
		return p, true
	}

	prefix = "/" + strings.Trim(prefix, "/")
	if p == prefix {
		return "/", true
	}
	if strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix):], true
	}
	return "", false
}

func (s *Server) serveFile(c *gin.Context, fsPath string) {
	if !isHTML(fsPath) {
		c.File(fsPath)
		return
	}

	data, err := os.ReadFile(fsPath)
	if err != nil {
		s.logger.Error("Failed to read file", zap.String("path", fsPath), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", s.injector.inject(data))
}

// serveDirectory serves the configured default file when the directory
// has one, otherwise a generated index page when listings are enabled.
func (s *Server) serveDirectory(c *gin.Context, fsPath, urlPath string) {
	cfg := s.store.Get()

	if cfg.Serving.DefaultFile != "" {
		defaultFile := filepath.Join(fsPath, cfg.Serving.DefaultFile)
		if info, err := os.Stat(defaultFile); err == nil && !info.IsDir() {
			s.serveFile(c, defaultFile)
			return
		}
	}

	if !cfg.Serving.Listings {
		s.serveNotFound(c, urlPath)
		return
	}

	entries, err := os.ReadDir(fsPath)
	if err != nil {
		s.serveNotFound(c, urlPath)
		return
	}

	base := strings.TrimRight(urlPath, "/")
	page := struct {
		Path    string
		Entries []listingEntry
	}{Path: urlPath}

	if urlPath != "/" {
		page.Entries = append(page.Entries, listingEntry{Name: "..", Href: path.Dir(base) + "/"})
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		page.Entries = append(page.Entries, listingEntry{Name: name, Href: base + "/" + name})
	}
	sort.Slice(page.Entries, func(i, j int) bool { return page.Entries[i].Name < page.Entries[j].Name })

	var buf bytes.Buffer
	if err := listingTemplate.Execute(&buf, page); err != nil {
		s.logger.Error("Failed to render directory listing", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", s.injector.inject(buf.Bytes()))
}

// serveNotFound renders the custom 404 page, injected like any other
// HTML so an open preview recovers once the file appears.
func (s *Server) serveNotFound(c *gin.Context, urlPath string) {
	var buf bytes.Buffer
	if err := notFoundTemplate.Execute(&buf, struct{ Path string }{Path: urlPath}); err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	c.Data(http.StatusNotFound, "text/html; charset=utf-8", s.injector.inject(buf.Bytes()))
}

func isHTML(p string) bool {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".html", ".htm":
		return true
	}
	return false
}
