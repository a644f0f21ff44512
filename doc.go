// Package archimedes is a contract-driven HTTP application framework: a
// segment-based router, an ordered middleware pipeline, a type-erased
// handler registry, and a canonical error envelope, all validated at
// request and response time against an externally produced API contract
// artifact.
//
// An App is assembled once via New, populated with routes and handlers,
// and then driven by Run:
//
//	app, err := archimedes.New(cfg)
//	app.Router.Route("GET", "/widgets/{id}", "getWidget")
//	archimedes.Register(app.Handlers, "getWidget", getWidgetHandler)
//	err = app.Run()
package archimedes
