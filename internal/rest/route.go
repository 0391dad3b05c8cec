package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"ex-hibiki/pkg/hibiki"
)

// majorParams are the placeholders that split one route into independent
// rate-limit buckets.
var majorParams = map[string]struct{}{
	"guild_id":   {},
	"channel_id": {},
	"webhook_id": {},
}

// Route is an unresolved endpoint template such as
// "/channels/{channel_id}/messages".
type Route struct {
	Method   string
	Template string
}

// Endpoints used by Client.
var (
	RouteGetUser              = Route{Method: http.MethodGet, Template: "/users/{user_id}"}
	RouteCreatePrivateChannel = Route{Method: http.MethodPost, Template: "/users/@me/channels"}
	RouteDeleteChannel        = Route{Method: http.MethodDelete, Template: "/channels/{channel_id}"}
	RouteCreateMessage        = Route{Method: http.MethodPost, Template: "/channels/{channel_id}/messages"}
	RouteLeaveGuild           = Route{Method: http.MethodDelete, Template: "/users/@me/guilds/{guild_id}"}
	RouteKickMember           = Route{Method: http.MethodDelete, Template: "/guilds/{guild_id}/members/{user_id}"}
	RoutePutRelationship      = Route{Method: http.MethodPut, Template: "/users/@me/relationships/{user_id}"}
	RouteDeleteRelationship   = Route{Method: http.MethodDelete, Template: "/users/@me/relationships/{user_id}"}
	RouteGetChannelWebhooks   = Route{Method: http.MethodGet, Template: "/channels/{channel_id}/webhooks"}
	RouteDeleteWebhook        = Route{Method: http.MethodDelete, Template: "/webhooks/{webhook_id}"}
)

// CompiledRoute is a route with every placeholder resolved.
type CompiledRoute struct {
	Route Route
	// Path is the request path relative to the API base.
	Path string
	// MajorParam is the value of the first major placeholder, empty when the
	// template has none.
	MajorParam string
}

// BucketKey identifies the local rate-limit bucket for this route.
func (r CompiledRoute) BucketKey() string {
	return r.Route.Method + " " + r.Route.Template + ":" + r.MajorParam
}

// String returns "METHOD path".
func (r CompiledRoute) String() string {
	return r.Route.Method + " " + r.Path
}

// Compile substitutes params into the template placeholders in order.
func (r Route) Compile(params ...string) (CompiledRoute, error) {
	var (
		path  strings.Builder
		major string
		next  int
	)

	rest := r.Template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			path.WriteString(rest)
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return CompiledRoute{}, fmt.Errorf("compile %s: unterminated placeholder: %w", r.Template, hibiki.ErrInvalidRoute)
		}
		closing += open

		name := rest[open+1 : closing]
		if next >= len(params) {
			return CompiledRoute{}, fmt.Errorf("compile %s: missing value for %s: %w", r.Template, name, hibiki.ErrInvalidRoute)
		}
		value := params[next]
		next++
		if value == "" {
			return CompiledRoute{}, fmt.Errorf("compile %s: empty value for %s: %w", r.Template, name, hibiki.ErrInvalidRoute)
		}
		if _, ok := majorParams[name]; ok && major == "" {
			major = value
		}

		path.WriteString(rest[:open])
		path.WriteString(url.PathEscape(value))
		rest = rest[closing+1:]
	}

	if next != len(params) {
		return CompiledRoute{}, fmt.Errorf("compile %s: %d extra values: %w", r.Template, len(params)-next, hibiki.ErrInvalidRoute)
	}

	return CompiledRoute{Route: r, Path: path.String(), MajorParam: major}, nil
}
