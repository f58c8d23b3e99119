// Package rpc exposes the login core to the desktop shell over loopback HTTP.
//
// UI commands are invoked as POST /invoke/{command} with a JSON object of arguments and
// answer with the bare JSON result:
//
//	POST /invoke/web_oauth_initiate   {"provider":"Google"}        -> "<state>"
//	POST /invoke/web_oauth_login      {"provider":"Github"}        -> {"windowLabel","window_label","state"}
//	POST /invoke/web_oauth_complete   {"callbackUrl":"..."}        -> {"accountId",...,"message"}
//	POST /invoke/web_oauth_refresh    {"accountId":"..."}          -> token
//	POST /invoke/web_oauth_close_window {"windowLabel":"..."}      -> null
//	POST /invoke/kiro_login           {"provider":"BuilderId"}     -> null
//
// Failures answer {"error","kind"} with a status derived from the kind.
//
// The shell reports embedded window navigations to /window/navigation and obeys the
// returned action. Events reach the UI over /events (SSE) or /events/ws (WebSocket).
//
// Every route except the OAuth callback requires a loopback Host header.
package rpc
