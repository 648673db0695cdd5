package geometry

import (
	"fmt"

	"github.com/go-spatial/geom"
	geomwkt "github.com/go-spatial/geom/encoding/wkt"
	"github.com/paulsmith/gogeos/geos"
)

// GeosToGeom generates a geom.Geometry from a geos.Geometry
func GeosToGeom(g *geos.Geometry) (geom.Geometry, error) {
	wkt, err := g.ToWKT()
	if err != nil {
		return nil, fmt.Errorf("GeosToGeom.ToWKT: %w", err)
	}
	geometry, err := geomwkt.DecodeString(wkt)
	if err != nil {
		return nil, fmt.Errorf("GeosToGeom.DecodeString: %w", err)
	}

	return geometry, nil
}

// GeomToGeos generates a geos.Geometry from a geom.Geometry
func GeomToGeos(g geom.Geometry) (*geos.Geometry, error) {
	wkt, err := geomwkt.EncodeString(g)
	if err != nil {
		return nil, fmt.Errorf("GeomToGeos.EncodeString: %w", err)
	}
	geometry, err := geos.FromWKT(wkt)
	if err != nil {
		return nil, fmt.Errorf("GeomToGeos.FromWKT: %w", err)
	}
	return geometry, nil
}

// ConvexHull returns the convex hull of the geometry
// Useful for catalogs that reject detailed footprints
func ConvexHull(g geom.Geometry) (geom.Geometry, error) {
	geo, err := GeomToGeos(g)
	if err != nil {
		return nil, fmt.Errorf("ConvexHull.%w", err)
	}
	hull, err := geo.ConvexHull()
	if err != nil {
		return nil, fmt.Errorf("ConvexHull: %w", err)
	}
	return GeosToGeom(hull)
}

// ConvexHullWKT returns the convex hull of the geometry as a WKT string
func ConvexHullWKT(g geom.Geometry) (string, error) {
	hull, err := ConvexHull(g)
	if err != nil {
		return "", err
	}
	wkt, err := geomwkt.EncodeString(hull)
	if err != nil {
		return "", fmt.Errorf("ConvexHullWKT.EncodeString: %w", err)
	}
	return wkt, nil
}

// CountVertices returns the number of vertices of the geometry
func CountVertices(g geom.Geometry) int {
	switch g := g.(type) {
	case geom.Point:
		return 1
	case geom.MultiPoint:
		return len(g.Points())
	case geom.LineString:
		return len(g.Vertices())
	case geom.MultiLineString:
		n := 0
		for _, ls := range g.LineStrings() {
			n += len(ls)
		}
		return n
	case geom.Polygon:
		n := 0
		for _, ring := range g.LinearRings() {
			n += len(ring)
		}
		return n
	case geom.MultiPolygon:
		n := 0
		for _, p := range g.Polygons() {
			for _, ring := range p {
				n += len(ring)
			}
		}
		return n
	case geom.Collection:
		n := 0
		for _, sub := range g.Geometries() {
			n += CountVertices(sub)
		}
		return n
	}
	return 0
}
