package adb

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenCacheCleaner/internal/probe"
	"github.com/KevinKickass/OpenCacheCleaner/internal/textmatch"
)

// uiNode mirrors one <node> of a uiautomator dump.
type uiNode struct {
	Text        string   `xml:"text,attr"`
	ResourceID  string   `xml:"resource-id,attr"`
	Class       string   `xml:"class,attr"`
	Package     string   `xml:"package,attr"`
	ContentDesc string   `xml:"content-desc,attr"`
	Clickable   string   `xml:"clickable,attr"`
	Enabled     string   `xml:"enabled,attr"`
	Bounds      string   `xml:"bounds,attr"`
	Nodes       []uiNode `xml:"node"`
}

type uiHierarchy struct {
	XMLName xml.Name `xml:"hierarchy"`
	Nodes   []uiNode `xml:"node"`
}

// flatNode is a dump node in pre-order with a link to its parent.
type flatNode struct {
	Text        string
	ContentDesc string
	ResourceID  string
	Class       string
	Package     string
	Clickable   bool
	Enabled     bool
	Bounds      probe.Bounds
	Parent      int
}

func (n flatNode) label() string {
	if n.Text != "" {
		return n.Text
	}
	return n.ContentDesc
}

var boundsPattern = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

func parseBounds(bounds string) (probe.Bounds, error) {
	m := boundsPattern.FindStringSubmatch(bounds)
	if len(m) != 5 {
		return probe.Bounds{}, fmt.Errorf("invalid bounds format: %s", bounds)
	}
	x1, _ := strconv.Atoi(m[1])
	y1, _ := strconv.Atoi(m[2])
	x2, _ := strconv.Atoi(m[3])
	y2, _ := strconv.Atoi(m[4])
	return probe.Bounds{Left: x1, Top: y1, Right: x2, Bottom: y2}, nil
}

// cleanDump strips adb noise around the XML document and repairs bare
// ampersands some ROMs leave in attribute values.
func cleanDump(raw string) (string, error) {
	start := strings.Index(raw, "<?xml")
	if start < 0 {
		start = strings.Index(raw, "<hierarchy")
	}
	if start < 0 {
		return "", fmt.Errorf("no hierarchy in dump output (%d bytes)", len(raw))
	}
	content := raw[start:]
	if end := strings.LastIndex(content, ">"); end >= 0 {
		content = content[:end+1]
	}

	content = strings.ReplaceAll(content, "&", "&amp;")
	content = strings.ReplaceAll(content, "&amp;amp;", "&amp;")
	content = strings.ReplaceAll(content, "&amp;lt;", "&lt;")
	content = strings.ReplaceAll(content, "&amp;gt;", "&gt;")
	content = strings.ReplaceAll(content, "&amp;quot;", "&quot;")
	content = strings.ReplaceAll(content, "&amp;apos;", "&apos;")
	content = strings.ReplaceAll(content, "&amp;#", "&#")
	return content, nil
}

func parseHierarchy(raw string) ([]flatNode, error) {
	content, err := cleanDump(raw)
	if err != nil {
		return nil, err
	}

	var root uiHierarchy
	if err := xml.Unmarshal([]byte(content), &root); err != nil {
		return nil, fmt.Errorf("failed to parse UI XML (length: %d): %w", len(content), err)
	}

	var out []flatNode
	var walk func(n *uiNode, parent int)
	walk = func(n *uiNode, parent int) {
		b, _ := parseBounds(n.Bounds)
		out = append(out, flatNode{
			Text:        n.Text,
			ContentDesc: n.ContentDesc,
			ResourceID:  n.ResourceID,
			Class:       n.Class,
			Package:     n.Package,
			Clickable:   n.Clickable == "true",
			Enabled:     n.Enabled != "false",
			Bounds:      b,
			Parent:      parent,
		})
		idx := len(out) - 1
		for i := range n.Nodes {
			walk(&n.Nodes[i], idx)
		}
	}
	for i := range root.Nodes {
		walk(&root.Nodes[i], -1)
	}
	return out, nil
}

// findClickable returns the first node in traversal order whose label
// contains a candidate. Labels usually sit on a TextView inside a clickable
// row, so the nearest enabled clickable ancestor is the click target.
func findClickable(nodes []flatNode, candidates []string, generation uint64) (probe.Node, bool) {
	for i, n := range nodes {
		label := n.label()
		if _, ok := textmatch.Match(label, candidates); !ok {
			continue
		}
		target := clickableTarget(nodes, i)
		if target < 0 {
			continue
		}
		t := nodes[target]
		if t.Bounds.Empty() {
			continue
		}
		return probe.Node{
			Index:      target,
			Text:       label,
			ResourceID: t.ResourceID,
			Class:      t.Class,
			Bounds:     t.Bounds,
			Generation: generation,
		}, true
	}
	return probe.Node{}, false
}

func clickableTarget(nodes []flatNode, idx int) int {
	for idx >= 0 {
		if nodes[idx].Clickable && nodes[idx].Enabled {
			return idx
		}
		idx = nodes[idx].Parent
	}
	return -1
}

var focusPattern = regexp.MustCompile(`mCurrentFocus=Window\{\S+ \S+ ([^}]+)\}`)

// parseFocus reads the focused window from `dumpsys window` output.
func parseFocus(out string) probe.Signal {
	m := focusPattern.FindStringSubmatch(out)
	if len(m) != 2 {
		return probe.Signal{}
	}
	window := strings.TrimSpace(m[1])

	pkg, activity, found := strings.Cut(window, "/")
	if !found {
		// dialogs without an activity, e.g. "Application Error: com.foo"
		return probe.Signal{Activity: window}
	}
	if strings.HasPrefix(activity, ".") {
		activity = pkg + activity
	}
	return probe.Signal{Package: pkg, Activity: activity}
}
