package bitrix24

import "regexp"

// serverEndpointPattern matches https://oauth.bitrix<digits?>.{tech,info}/rest,
// the shape a tenant's server_endpoint must have for an OAuth endpoint
// to be derived from it directly.
var serverEndpointPattern = regexp.MustCompile(`^https://oauth\.bitrix\d*\.(tech|info)/rest$`)

// tryDeriveOAuthEndpoint strips the trailing /rest from serverEndpoint
// and appends /oauth/token/, if serverEndpoint matches the expected
// shape.
func tryDeriveOAuthEndpoint(serverEndpoint string) (string, bool) {
	if !serverEndpointPattern.MatchString(serverEndpoint) {
		return "", false
	}
	base := serverEndpoint[:len(serverEndpoint)-len("/rest")]
	return base + "/oauth/token/", true
}
