// Package httpserver is the JSON gateway to a flostore runtime.
//
// Routes:
//
//	GET  /v1/healthz
//	GET  /v1/index/stats
//	POST /v1/streams/append        {"stream","expectedVersion","events":[{"type","data"}]}
//	GET  /v1/streams/read          ?stream=&from=&limit=&backward=
//	GET  /v1/streams/event         ?stream=&number=
//	POST /v1/streams/delete        {"stream","expectedVersion","hard"}
//	GET  /v1/streams/meta          ?stream=
//	POST /v1/streams/meta          {"stream","expectedVersion","metadata":{"$maxCount":10}}
//	POST /v1/streams/tx/start|write|commit
//	GET  /v1/all/read              ?commit=&prepare=&limit=&backward=&filter=
//	GET  /v1/all/subscribe         (SSE)
//
// Wrong expected version maps to 409, deleted streams to 410.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
