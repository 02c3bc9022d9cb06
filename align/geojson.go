package align

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// CloudToMultiPoint projects cloud into the plane as an orb.MultiPoint.
func CloudToMultiPoint(cloud PointCloud, proj Projection) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(cloud))
	for i, p := range cloud {
		x, y := proj.Project(p)
		mp[i] = orb.Point{x, y}
	}
	return mp
}

// Footprint returns the convex hull of the projected cloud as a closed
// polygon, or nil when fewer than three distinct points remain.
func Footprint(cloud PointCloud, proj Projection) orb.Polygon {
	hull := convexHull(CloudToMultiPoint(cloud, proj))
	if len(hull) < 3 {
		return nil
	}
	hull = append(hull, hull[0])
	return orb.Polygon{orb.Ring(hull)}
}

// CloudFeatures returns a MultiPoint feature and, when it exists, a footprint
// polygon feature for cloud. role is stored in the "role" property.
func CloudFeatures(cloud PointCloud, proj Projection, role string) []*geojson.Feature {
	mp := CloudToMultiPoint(cloud, proj)
	points := geojson.NewFeature(mp)
	points.Properties["role"] = role
	points.Properties["layer"] = "points"
	points.Properties["count"] = len(cloud)
	features := []*geojson.Feature{points}

	if poly := Footprint(cloud, proj); poly != nil {
		fp := geojson.NewFeature(poly)
		fp.Properties["role"] = role
		fp.Properties["layer"] = "footprint"
		fp.Properties["area"] = planar.Area(poly)
		c, _ := planar.CentroidArea(poly)
		fp.Properties["centroid"] = []float64{c[0], c[1]}
		features = append(features, fp)
	}
	return features
}

// AlignmentFeatureCollection exports the target and aligned clouds in one
// collection. The target is optional.
func AlignmentFeatureCollection(aligned, target PointCloud, proj Projection, r *Result) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range CloudFeatures(aligned, proj, "aligned") {
		if r != nil {
			f.Properties["iterations"] = r.Iterations
			f.Properties["termination"] = r.Termination.String()
			f.Properties["penalty"] = r.Penalty
		}
		fc.Append(f)
	}
	if len(target) > 0 {
		for _, f := range CloudFeatures(target, proj, "target") {
			fc.Append(f)
		}
	}
	return fc
}

// SaveGeoJSON writes fc to path.
func SaveGeoJSON(path string, fc *geojson.FeatureCollection) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON file: %w", err)
	}
	return nil
}

// convexHull computes the convex hull using Andrew's monotone chain.
// Returns points in counter-clockwise order without the closing point.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	// cross returns the cross product of vectors OA and OB where O is origin
	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	// Lower hull
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Upper hull
	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// last point repeats the first
	return hull[:len(hull)-1]
}
