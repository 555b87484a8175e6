package x402

import "sort"

// NetworkRegistry maps a CAIP-2 network identifier to its descriptor.
// Built once at startup by internal/config.BuildNetworkRegistry (spec §9:
// "replace the lazy network map with an explicit BuildNetworkRegistry(env)
// function invoked once at startup").
type NetworkRegistry map[string]NetworkDescriptor

// RouteRegistry maps a route key to its descriptor.
type RouteRegistry map[string]RouteDescriptor

// Lookup returns the descriptor for networkID, or false if unregistered.
func (r NetworkRegistry) Lookup(networkID string) (NetworkDescriptor, bool) {
	n, ok := r[networkID]
	return n, ok
}

// Active returns every network whose rpcURLs/svmFeePayer make it eligible
// to be advertised in a 402 response (spec §4.3).
func (r NetworkRegistry) Active(rpcURLs map[string]string, svmFeePayer string) []NetworkDescriptor {
	var out []NetworkDescriptor
	for _, n := range r {
		if n.IsActive(rpcURLs[n.NetworkID], svmFeePayer) {
			out = append(out, n)
		}
	}
	// Deterministic ordering so two calls against the same registry state
	// produce byte-identical 402 bodies (spec P1).
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out
}

// Lookup returns the descriptor for routeKey, or false if unknown.
func (r RouteRegistry) Lookup(routeKey string) (RouteDescriptor, bool) {
	route, ok := r[routeKey]
	return route, ok
}
