/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strings"
)

// RoutePath represents route's path.
type RoutePath struct {
	Raw            string
	NormalizedPath string
	RegExpPath     *regexp.Regexp
	ExactMatch     bool
	ForwardMatch   bool
}

// ParseRoutePath parses string representation of route's path.
// Syntax: [ = | ~ | ^~ ] urlPath
// Modifiers have the same meaning as in Nginx locations (https://nginx.org/en/docs/http/ngx_http_core_module.html#location).
func ParseRoutePath(rp string) (RoutePath, error) {
	rp = strings.TrimSpace(rp)
	if rp == "" {
		return RoutePath{}, fmt.Errorf("path is missing")
	}

	parseNormalized := func(modifier, matching string) (string, error) {
		p := strings.TrimSpace(strings.TrimPrefix(rp, modifier))
		if !strings.HasPrefix(p, "/") {
			return "", fmt.Errorf("path should be started with \"/\" in case of %s matching", matching)
		}
		return NormalizeURLPath(p), nil
	}

	switch {
	case strings.HasPrefix(rp, "="):
		p, err := parseNormalized("=", "exact")
		if err != nil {
			return RoutePath{}, err
		}
		return RoutePath{Raw: rp, NormalizedPath: p, ExactMatch: true}, nil

	case strings.HasPrefix(rp, "^~"):
		p, err := parseNormalized("^~", "forward")
		if err != nil {
			return RoutePath{}, err
		}
		return RoutePath{Raw: rp, NormalizedPath: p, ForwardMatch: true}, nil

	case strings.HasPrefix(rp, "~"):
		expr := strings.TrimSpace(rp[1:])
		if expr == "" {
			return RoutePath{}, fmt.Errorf("regular expression is missing")
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return RoutePath{}, err
		}
		return RoutePath{Raw: rp, RegExpPath: re}, nil
	}

	p, err := parseNormalized("", "prefixed")
	if err != nil {
		return RoutePath{}, err
	}
	return RoutePath{Raw: rp, NormalizedPath: p}, nil
}

// String returns the raw representation of the path.
func (rp RoutePath) String() string {
	return rp.Raw
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (rp *RoutePath) UnmarshalText(text []byte) (err error) {
	*rp, err = ParseRoutePath(string(text))
	return
}

// MarshalText implements the encoding.TextMarshaler interface.
func (rp RoutePath) MarshalText() ([]byte, error) {
	return []byte(rp.Raw), nil
}

// MethodsList is a list of HTTP methods.
// It may be specified either as a list or as a comma-separated string.
type MethodsList []string

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (ml *MethodsList) UnmarshalText(text []byte) error {
	*ml = MethodsList{}
	for _, m := range strings.Split(string(text), ",") {
		if m = strings.TrimSpace(m); m != "" {
			*ml = append(*ml, m)
		}
	}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (ml MethodsList) MarshalText() ([]byte, error) {
	return []byte(strings.Join(ml, ",")), nil
}

// UnmarshalJSON allows decoding from both a JSON string and a JSON array of strings.
func (ml *MethodsList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return ml.UnmarshalText([]byte(s))
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("methods should be a string or a list of strings: %w", err)
	}
	*ml = MethodsList{}
	for _, m := range list {
		if m = strings.TrimSpace(m); m != "" {
			*ml = append(*ml, m)
		}
	}
	return nil
}

// UpperCase returns the methods in upper-case.
func (ml MethodsList) UpperCase() []string {
	res := make([]string, 0, len(ml))
	for _, m := range ml {
		res = append(res, strings.ToUpper(m))
	}
	return res
}

// RouteConfig represents route's configuration.
type RouteConfig struct {
	// Path is a struct that contains info about route path.
	// ParseRoutePath function should be used for constructing it from the string representation.
	Path RoutePath `mapstructure:"path" json:"path" yaml:"path"`

	// Methods is a list of case-insensitive HTTP methods. Empty list matches any method.
	Methods MethodsList `mapstructure:"methods" json:"methods" yaml:"methods"`
}

var availableHTTPMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodConnect: {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
}

// Validate validates RouteConfig.
func (r *RouteConfig) Validate() error {
	if r.Path.Raw == "" {
		return fmt.Errorf("path is missing")
	}
	for _, method := range r.Methods.UpperCase() {
		if _, ok := availableHTTPMethods[method]; !ok {
			return fmt.Errorf("unknown method %q", method)
		}
	}
	return nil
}

// Route binds a route path and methods to the endpoint it belongs to.
type Route struct {
	EndpointID string
	Path       RoutePath
	Methods    []string
	Excluded   bool // Set to true for routes that are matched to be excluded.
}

// NewRoute returns a new route that belongs to the endpoint.
func NewRoute(endpointID string, cfg RouteConfig) Route {
	return Route{EndpointID: endpointID, Path: cfg.Path, Methods: cfg.Methods.UpperCase()}
}

// NewExcludedRoute returns a new route that will be used as exclusion in matching.
func NewExcludedRoute(cfg RouteConfig) Route {
	return Route{Path: cfg.Path, Methods: cfg.Methods.UpperCase(), Excluded: true}
}

func (r *Route) matchesMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for i := range r.Methods {
		if r.Methods[i] == method {
			return true
		}
	}
	return false
}

// RoutesManager contains routes and allows to search among them.
type RoutesManager struct {
	exactRoutes              map[string][]Route
	descSortedPrefixedRoutes []Route
	regExpRoutes             []Route
}

// NewRoutesManager creates new RoutesManager.
func NewRoutesManager(routes []Route) *RoutesManager {
	exactRoutes := make(map[string][]Route)
	var prefixedRoutes []Route
	var regExpRoutes []Route
	for _, route := range routes {
		switch {
		case route.Path.ExactMatch:
			exactRoutes[route.Path.NormalizedPath] = append(exactRoutes[route.Path.NormalizedPath], route)
		case route.Path.RegExpPath != nil:
			regExpRoutes = append(regExpRoutes, route)
		default:
			prefixedRoutes = append(prefixedRoutes, route)
		}
	}

	// Routes with methods go first within the same path.
	methodsFirst := func(rs []Route) func(i, j int) bool {
		return func(i, j int) bool {
			return len(rs[i].Methods) != 0 && len(rs[j].Methods) == 0
		}
	}
	for p := range exactRoutes {
		sort.SliceStable(exactRoutes[p], methodsFirst(exactRoutes[p]))
	}
	sort.SliceStable(prefixedRoutes, func(i, j int) bool {
		if prefixedRoutes[i].Path.NormalizedPath == prefixedRoutes[j].Path.NormalizedPath {
			return methodsFirst(prefixedRoutes)(i, j)
		}
		return prefixedRoutes[i].Path.NormalizedPath > prefixedRoutes[j].Path.NormalizedPath
	})
	sort.SliceStable(regExpRoutes, methodsFirst(regExpRoutes))

	return &RoutesManager{exactRoutes, prefixedRoutes, regExpRoutes}
}

// MatchRequest searches the Route that matches the passed http.Request.
// Excluded routes have priority: if one of them matches, it's returned with Excluded set to true.
// Algorithm is the same as used in Nginx for locations matching.
func (r *RoutesManager) MatchRequest(req *http.Request) (Route, bool) {
	normalizedPath := NormalizeURLPath(req.URL.Path)
	if route, ok := r.SearchRoute(normalizedPath, req.Method, true); ok {
		return route, true
	}
	return r.SearchRoute(normalizedPath, req.Method, false)
}

// SearchRoute searches Route by passed path and method.
// Path should be normalized (see NormalizeURLPath for this).
// If the excluded arg is true, search will be done only among excluded routes. If false - only among included routes.
func (r *RoutesManager) SearchRoute(normalizedPath string, method string, excluded bool) (Route, bool) {
	matches := func(route *Route) bool {
		return route.Excluded == excluded && route.matchesMethod(method)
	}

	exactRoutes := r.exactRoutes[normalizedPath]
	for i := range exactRoutes {
		if matches(&exactRoutes[i]) {
			return exactRoutes[i], true
		}
	}

	var longestPrefixed *Route
	for i := range r.descSortedPrefixedRoutes {
		route := &r.descSortedPrefixedRoutes[i]
		if strings.HasPrefix(normalizedPath, route.Path.NormalizedPath) && matches(route) {
			longestPrefixed = route
			break
		}
	}
	if longestPrefixed != nil && longestPrefixed.Path.ForwardMatch {
		return *longestPrefixed, true
	}

	for i := range r.regExpRoutes {
		route := &r.regExpRoutes[i]
		if route.Path.RegExpPath.MatchString(normalizedPath) && matches(route) {
			return *route, true
		}
	}

	if longestPrefixed != nil {
		return *longestPrefixed, true
	}
	return Route{}, false
}

// NormalizeURLPath normalizes URL path (i.e. for example, it converts /foo///bar/.. to /foo).
func NormalizeURLPath(urlPath string) string {
	res := path.Clean("/" + urlPath)
	if strings.HasSuffix(urlPath, "/") && res != "/" {
		res += "/"
	}
	return res
}
