// Package perm compiles the UI permission policy XML into the per-session
// JSON feature mask sent as "perm: <json>".
package perm

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"sync"
	"time"
)

const fallbackPath = "perm.xml"

type policyEntry struct {
	XMLName    xml.Name
	InnerText  string     `xml:",chardata"`
	Attributes []xml.Attr `xml:",any,attr"`
}

type policyCategory struct {
	Entries []policyEntry `xml:",any"`
}

type policyFile struct {
	Text         policyCategory `xml:"text"`
	Spreadsheet  policyCategory `xml:"spreadsheet"`
	Presentation policyCategory `xml:"presentation"`
	Toolbar      policyCategory `xml:"toolbar"`
}

// Mask is the projected feature mask for one permission name. Toolbar
// lists disabled items; the others list enabled ones.
type Mask struct {
	Perm         string   `json:"perm"`
	Text         []string `json:"text"`
	Spreadsheet  []string `json:"spreadsheet"`
	Presentation []string `json:"presentation"`
	Toolbar      []string `json:"toolbar"`
}

// Policy projects permission names against a parsed policy file.
type Policy struct {
	file policyFile
}

// cached keeps the last parse per path, keyed by file mtime. The policy is
// consulted on every load, so skip re-parsing an unchanged file.
var (
	cacheMu sync.Mutex
	cached  = make(map[string]cacheEntry)
)

type cacheEntry struct {
	modTime time.Time
	policy  *Policy
}

// LoadPolicy reads the policy from path, falling back to perm.xml in the
// working directory when path is empty or missing.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		path = fallbackPath
	} else if _, err := os.Stat(path); err != nil {
		path = fallbackPath
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("permission policy: %w", err)
	}

	cacheMu.Lock()
	entry, ok := cached[path]
	cacheMu.Unlock()
	if ok && entry.modTime.Equal(st.ModTime()) {
		return entry.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("permission policy: %w", err)
	}
	policy, err := ParsePolicy(data)
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	cached[path] = cacheEntry{modTime: st.ModTime(), policy: policy}
	cacheMu.Unlock()
	return policy, nil
}

// ParsePolicy parses policy XML of the form:
//
//	<config>
//	  <text><item saveas="true">...</item></text>
//	  <spreadsheet>...</spreadsheet>
//	  <presentation>...</presentation>
//	  <toolbar>...</toolbar>
//	</config>
func ParsePolicy(data []byte) (*Policy, error) {
	var file policyFile
	if err := xml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse permission policy: %w", err)
	}
	return &Policy{file: file}, nil
}

// Project builds the feature mask for one permission name. An entry is
// listed when its attribute named perm is "true" - except in the toolbar
// category, where "false" selects (toolbar entries are the disabled set).
func (p *Policy) Project(perm string) Mask {
	return Mask{
		Perm:         perm,
		Text:         project(p.file.Text, perm, "true"),
		Spreadsheet:  project(p.file.Spreadsheet, perm, "true"),
		Presentation: project(p.file.Presentation, perm, "true"),
		Toolbar:      project(p.file.Toolbar, perm, "false"),
	}
}

// ProjectJSON renders the mask as the wire JSON. Field order is fixed, so
// the same policy and permission always serialize identically.
func (p *Policy) ProjectJSON(perm string) (string, error) {
	data, err := json.Marshal(p.Project(perm))
	if err != nil {
		return "", fmt.Errorf("marshal permission mask: %w", err)
	}
	return string(data), nil
}

func project(category policyCategory, perm, selectValue string) []string {
	names := []string{}
	for _, entry := range category.Entries {
		for _, attr := range entry.Attributes {
			if attr.Name.Local == perm && attr.Value == selectValue {
				names = append(names, entry.InnerText)
				break
			}
		}
	}
	return names
}
