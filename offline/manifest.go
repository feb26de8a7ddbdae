package offline

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"gopkg.in/yaml.v2"
)

// Manifest is the fixed list of entries precached on install.
type Manifest struct {
	Version string   `yaml:"version"`
	Entries []string `yaml:"entries"`
}

// DefaultManifest returns the application shell plus the logo image.
func DefaultManifest() Manifest {
	return Manifest{
		Version: DefaultVersion,
		Entries: []string{
			"./",
			ShellEntry,
			"./styles.css",
			"./script.js",
			"./manifest.json",
			LogoURL,
		},
	}
}

// LoadManifest reads a YAML manifest from path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses a YAML manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	if len(m.Entries) == 0 {
		return Manifest{}, fmt.Errorf("manifest has no entries")
	}
	for _, entry := range m.Entries {
		if _, err := url.Parse(entry); err != nil {
			return Manifest{}, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
	}
	return m, nil
}

// Marshal renders the manifest as YAML.
func (m Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// DiscoverAssets parses an HTML document and returns the same-origin
// stylesheets, scripts, web app manifests and icons it references, as
// "./"-relative entries in document order. base is the document URL.
func DiscoverAssets(r io.Reader, base *url.URL) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	var assets []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "data:") {
			return
		}
		u, err := url.Parse(ref)
		if err != nil {
			return
		}
		abs := base.ResolveReference(u)
		if !sameOrigin(base, abs) {
			return
		}
		entry := "." + abs.EscapedPath()
		if abs.RawQuery != "" {
			entry += "?" + abs.RawQuery
		}
		if !slices.Contains(assets, entry) {
			assets = append(assets, entry)
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "link":
				rel := strings.ToLower(attr(n, "rel"))
				for _, r := range strings.Fields(rel) {
					if r == "stylesheet" || r == "manifest" || r == "icon" || r == "apple-touch-icon" {
						add(attr(n, "href"))
						break
					}
				}
			case "script":
				add(attr(n, "src"))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return assets, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
