package proxy

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultListen is the site address used when none is configured
const DefaultListen = ":80"

// Route is the set of backend ports serving one workload, indexed by instance
type Route struct {
	Workload string
	Ports    []int
}

// PathPrefix returns the request path routed to instance i of workload
func PathPrefix(workload string, i int) string {
	return fmt.Sprintf("/%s_%d/", workload, i)
}

// RenderWorkload renders the reverse_proxy lines for one workload
func RenderWorkload(name string, ports []int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\t# %s\n", name)
	for i, port := range ports {
		fmt.Fprintf(&b, "\treverse_proxy %s* 127.0.0.1:%d\n", PathPrefix(name, i), port)
	}
	return b.String()
}

// Render produces a Caddyfile with one site block on listen and one group of
// routes per workload, sorted by workload name
func Render(listen string, routes []Route) string {
	if listen == "" {
		listen = DefaultListen
	}

	sorted := append([]Route(nil), routes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Workload < sorted[j].Workload })

	var b strings.Builder
	b.WriteString("# Generated by minipaas. Changes will be overwritten.\n")
	fmt.Fprintf(&b, "%s {\n", listen)
	for i, r := range sorted {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(RenderWorkload(r.Workload, r.Ports))
	}
	b.WriteString("}\n")

	return b.String()
}
