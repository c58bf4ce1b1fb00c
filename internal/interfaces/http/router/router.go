// Package router assembles the HTTP API of the compliance service.
package router

import "github.com/gin-gonic/gin"

// APIVersion is the path segment after /api.
const APIVersion = "v1"

// BasePath is the prefix of every versioned route.
func BasePath() string { return "/api/" + APIVersion }

// Route binds one method and path to its handler chain.
type Route struct {
	Method   string
	Path     string
	Handlers []gin.HandlerFunc
}

// Area is a block of routes under a shared prefix. Middleware applies to the
// routes of the area and to its nested areas.
type Area struct {
	Prefix     string
	Middleware []gin.HandlerFunc
	Routes     []Route
	Areas      []Area
}

// Mount registers areas below rg, depth first.
func Mount(rg *gin.RouterGroup, areas ...Area) {
	for _, a := range areas {
		g := rg.Group(a.Prefix, a.Middleware...)
		for _, r := range a.Routes {
			g.Handle(r.Method, r.Path, r.Handlers...)
		}
		Mount(g, a.Areas...)
	}
}

func get(path string, h ...gin.HandlerFunc) Route  { return Route{"GET", path, h} }
func post(path string, h ...gin.HandlerFunc) Route { return Route{"POST", path, h} }
