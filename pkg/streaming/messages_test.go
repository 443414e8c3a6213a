package streaming

import (
	"encoding/json"
	"testing"

	"github.com/rentmap/mapcluster/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypeFitBounds, FitBoundsPayload{
		Bounds:  core.Bounds{North: 2, South: 1, East: 4, West: 3},
		MaxZoom: 15,
	})
	require.NoError(t, err)
	assert.Equal(t, TypeFitBounds, env.Type)
	assert.JSONEq(t, `{"bounds":{"north":2,"south":1,"east":4,"west":3},"maxZoom":15}`, string(env.Payload))
}

func TestNewEnvelope_Unmarshalable(t *testing.T) {
	_, err := NewEnvelope(TypeFrame, make(chan int))
	assert.Error(t, err)
}

func TestViewportPayload_NullBounds(t *testing.T) {
	var p ViewportPayload
	require.NoError(t, json.Unmarshal([]byte(`{"zoom":11,"center":{"lat":1,"lng":2}}`), &p))

	vp := p.Viewport()
	assert.Nil(t, vp.Bounds)
	assert.Equal(t, 11.0, vp.Zoom)
	assert.Equal(t, core.LatLng{Lat: 1, Lng: 2}, vp.Center)
}
