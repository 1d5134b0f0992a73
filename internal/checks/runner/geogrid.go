package runner

import (
	"context"
	"fmt"
	"math"
	"strings"

	batchdomain "github.com/smallbiznis/checkledger/internal/batchrun/domain"
	"github.com/smallbiznis/checkledger/internal/checks/domain"
	"github.com/smallbiznis/checkledger/internal/checks/providers"
	"golang.org/x/sync/errgroup"
)

const (
	defaultGridSize        = 3
	maxGridSize            = 9
	defaultGridSpacingKm   = 1.0
	defaultGridConcurrency = 4
	kmPerDegreeLat         = 111.32
)

type LocalSearcher interface {
	LocalSearch(ctx context.Context, query string, lat, lng float64) ([]providers.LocalResult, error)
}

type GridPoint struct {
	Lat float64
	Lng float64
}

// GeoGrid ranks the business in the local pack at every point of an N x N grid around it.
type GeoGrid struct {
	client      LocalSearcher
	concurrency int
}

func NewGeoGrid(client LocalSearcher) *GeoGrid {
	return &GeoGrid{client: client, concurrency: defaultGridConcurrency}
}

func (r *GeoGrid) Type() batchdomain.CheckType { return batchdomain.CheckGeoGrid }

// GridSize normalizes the requested size into an odd number in [1, maxGridSize].
func GridSize(requested int) int {
	size := requested
	if size <= 0 {
		size = defaultGridSize
	}
	if size > maxGridSize {
		size = maxGridSize
	}
	if size%2 == 0 {
		size++
	}
	return size
}

func (r *GeoGrid) Execute(ctx context.Context, req domain.CheckRequest) (domain.Metric, error) {
	params := req.Params()
	if params.Latitude == 0 && params.Longitude == 0 {
		return nil, fmt.Errorf("%w: coordinates are required", domain.ErrInvalidParams)
	}
	if params.PlaceID == "" && strings.TrimSpace(params.BusinessName) == "" {
		return nil, fmt.Errorf("%w: place_id or business_name is required", domain.ErrInvalidParams)
	}
	keyword := strings.TrimSpace(req.Item.Label)
	if keyword == "" {
		return nil, domain.ErrInvalidItem
	}

	size := GridSize(params.GridSize)
	spacing := params.GridSpacingKm
	if spacing <= 0 {
		spacing = defaultGridSpacingKm
	}
	points := BuildGrid(params.Latitude, params.Longitude, size, spacing)
	ranks := make([]int, len(points))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, point := range points {
		g.Go(func() error {
			results, err := r.client.LocalSearch(gctx, keyword, point.Lat, point.Lng)
			if err != nil {
				return err
			}
			ranks[i] = rankOf(results, params)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, deferIfRateLimited(err)
	}

	cells := make([]map[string]any, 0, len(points))
	found, sum := 0, 0
	for i, point := range points {
		cell := map[string]any{"lat": point.Lat, "lng": point.Lng, "rank": nil}
		if ranks[i] > 0 {
			cell["rank"] = ranks[i]
			found++
			sum += ranks[i]
		}
		cells = append(cells, cell)
	}
	metric := domain.Metric{
		"keyword":      keyword,
		"grid_size":    size,
		"points":       cells,
		"found_points": found,
		"average_rank": nil,
	}
	if found > 0 {
		metric["average_rank"] = math.Round(float64(sum)/float64(found)*100) / 100
	}
	return metric, nil
}

// BuildGrid returns size*size points centered on (lat, lng), spacingKm apart, row by row from north-west.
func BuildGrid(lat, lng float64, size int, spacingKm float64) []GridPoint {
	half := size / 2
	latStep := spacingKm / kmPerDegreeLat
	lngStep := spacingKm / (kmPerDegreeLat * math.Cos(lat*math.Pi/180))

	points := make([]GridPoint, 0, size*size)
	for row := -half; row <= half; row++ {
		for col := -half; col <= half; col++ {
			points = append(points, GridPoint{
				Lat: lat - float64(row)*latStep,
				Lng: lng + float64(col)*lngStep,
			})
		}
	}
	return points
}

func rankOf(results []providers.LocalResult, params batchdomain.RunParams) int {
	for i, res := range results {
		match := (params.PlaceID != "" && res.PlaceID == params.PlaceID) ||
			(params.PlaceID == "" && containsPhrase(res.Title, params.BusinessName))
		if !match {
			continue
		}
		if res.Position > 0 {
			return res.Position
		}
		return i + 1
	}
	return 0
}
