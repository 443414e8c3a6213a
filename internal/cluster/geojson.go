package cluster

import (
	"fmt"

	"github.com/rentmap/mapcluster/internal/geo"
	"github.com/rentmap/mapcluster/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// ToFeatureCollection renders clusters as GeoJSON point features. Singletons
// carry their listing fields; multi-marker clusters carry their member IDs.
// The member bounds of every multi-marker cluster follow the points, one
// feature each, with ID "<cluster id>/bounds".
func ToFeatureCollection(clusters []core.Cluster) (geom.GeoJSONFeatureCollection, error) {
	features := make(geom.GeoJSONFeatureCollection, len(clusters), 2*len(clusters))
	var areas geom.GeoJSONFeatureCollection
	for i, c := range clusters {
		props := map[string]interface{}{
			"cluster":     c.Count > 1,
			"cluster_id":  c.ID,
			"point_count": c.Count,
		}
		if c.IsSingleton() {
			m := c.Members[0]
			props["marker_id"] = m.ID
			props["title"] = m.Title
			if m.Price != nil {
				props["price"] = *m.Price
			}
			if m.PropertyType != "" {
				props["property_type"] = m.PropertyType
			}
		} else {
			memberIDs := make([]string, len(c.Members))
			for j, m := range c.Members {
				memberIDs[j] = m.ID
			}
			props["member_ids"] = memberIDs

			area, err := geo.Area(c.Bounds)
			if err != nil {
				return nil, fmt.Errorf("bounds of cluster %s: %w", c.ID, err)
			}
			areas = append(areas, geom.GeoJSONFeature{
				Geometry:   area,
				ID:         c.ID + "/bounds",
				Properties: map[string]interface{}{"cluster_id": c.ID, "bounds": true},
			})
		}

		pt, err := geo.Point(c.Center)
		if err != nil {
			return nil, fmt.Errorf("center of cluster %s: %w", c.ID, err)
		}
		features[i] = geom.GeoJSONFeature{
			Geometry:   pt.AsGeometry(),
			ID:         c.ID,
			Properties: props,
		}
	}
	return append(features, areas...), nil
}
