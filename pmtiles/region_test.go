package pmtiles

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBboxE7ConvertsToFixedPoint(t *testing.T) {
	minLon, minLat, maxLon, maxLat, err := parseBboxE7("-1.5,-2.25,3.5,4.75")
	require.NoError(t, err)
	assert.EqualValues(t, -15000000, minLon)
	assert.EqualValues(t, -22500000, minLat)
	assert.EqualValues(t, 35000000, maxLon)
	assert.EqualValues(t, 47500000, maxLat)
}

func TestParseBboxE7RejectsWrongFieldCount(t *testing.T) {
	_, _, _, _, err := parseBboxE7("1,2,3")
	require.Error(t, err)
}

func TestParseBboxE7RejectsNonNumeric(t *testing.T) {
	_, _, _, _, err := parseBboxE7("a,b,c,d")
	require.Error(t, err)
}

func TestUnmarshalRegionFeatureCollectionPolygon(t *testing.T) {
	poly := orb.Polygon{{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}, {-1, -1}}}
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(poly))
	data, err := fc.MarshalJSON()
	require.NoError(t, err)

	mp, err := UnmarshalRegion(data)
	require.NoError(t, err)
	require.Len(t, mp, 1)
	assert.Equal(t, poly, mp[0])
}

func TestUnmarshalRegionBareFeaturePolygon(t *testing.T) {
	poly := orb.Polygon{{{-5, -5}, {5, -5}, {5, 5}, {-5, 5}, {-5, -5}}}
	f := geojson.NewFeature(poly)
	data, err := f.MarshalJSON()
	require.NoError(t, err)

	mp, err := UnmarshalRegion(data)
	require.NoError(t, err)
	require.Len(t, mp, 1)
	assert.Equal(t, poly, mp[0])
}

func TestUnmarshalRegionBareGeometryPolygon(t *testing.T) {
	poly := orb.Polygon{{{-2, -2}, {2, -2}, {2, 2}, {-2, 2}, {-2, -2}}}
	data, err := geojson.NewGeometry(poly).MarshalJSON()
	require.NoError(t, err)

	mp, err := UnmarshalRegion(data)
	require.NoError(t, err)
	require.Len(t, mp, 1)
	assert.Equal(t, poly, mp[0])
}

func TestUnmarshalRegionInvalidJSONErrors(t *testing.T) {
	_, err := UnmarshalRegion([]byte("not json at all"))
	require.Error(t, err)
}
