package core

// Marker is a geolocated listing as produced by the search API.
// The pipeline treats it as immutable.
type Marker struct {
	ID           string   `json:"id"`
	Position     LatLng   `json:"position"`
	Title        string   `json:"title"`
	Price        *float64 `json:"price,omitempty"`
	PropertyType string   `json:"propertyType,omitempty"`
	Bedrooms     *int     `json:"bedrooms,omitempty"`
	Bathrooms    *int     `json:"bathrooms,omitempty"`
	ImageURL     string   `json:"imageUrl,omitempty"`
}
