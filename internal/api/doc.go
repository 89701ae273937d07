// Package api exposes the HTTP control surface for the crawler engine:
// activation and rescheduling of crawlers, manual test runs, execution
// history, and queue introspection. Crawler configurations themselves are
// managed by the request-serving tier; this surface only operates on them.
package api
