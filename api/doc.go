// Package api exposes the signal store over HTTP.
//
// Routes:
//
//	POST   /xray/inject[/{source}]       publish a raw telemetry message to xray.data.<source>
//	POST   /signals                      create one signal
//	GET    /signals                      filtered, paginated list
//	GET    /signals/{uuid}               fetch one signal
//	PUT    /signals/{uuid}               partial update
//	DELETE /signals/{uuid}               delete one signal
//	DELETE /devices/{deviceId}/signals   delete every signal of a device
//	GET    /health                       aggregated component health
//
// Every error response is an APIError envelope carrying the request id.
package api
