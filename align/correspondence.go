package align

import (
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"
)

// Pair links a working point to its nearest target point.
type Pair struct {
	Source   int     `json:"source"`
	Target   int     `json:"target"`
	Point    Point   `json:"point"`
	Distance float64 `json:"distance"`
}

// CorrespondencePolicy decides which pairs feed the rigid fit.
type CorrespondencePolicy int

const (
	// ManyToOne keeps every pair; several source points may share a target.
	ManyToOne CorrespondencePolicy = iota
	// Unique keeps only the closest source point for each target point.
	Unique
)

func (p CorrespondencePolicy) String() string {
	switch p {
	case ManyToOne:
		return "many-to-one"
	case Unique:
		return "unique"
	default:
		return fmt.Sprintf("CorrespondencePolicy(%d)", int(p))
	}
}

// ParseCorrespondencePolicy accepts the names produced by String. The empty
// string maps to ManyToOne.
func ParseCorrespondencePolicy(s string) (CorrespondencePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "many-to-one", "manytoone":
		return ManyToOne, nil
	case "unique", "one-to-one":
		return Unique, nil
	default:
		return ManyToOne, fmt.Errorf("unknown correspondence policy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p CorrespondencePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *CorrespondencePolicy) UnmarshalText(b []byte) error {
	v, err := ParseCorrespondencePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// minPointsPerWorker keeps tiny clouds from paying goroutine overhead.
const minPointsPerWorker = 64

// findCorrespondences queries the tree for every point of cloud. Slot i of
// the result always describes cloud[i], whatever the worker count.
func findCorrespondences(tree *KDTree, cloud PointCloud, workers int, rng *rand.Rand) ([]Pair, error) {
	pairs := make([]Pair, len(cloud))

	if rng != nil {
		for i, p := range cloud {
			n, err := tree.NearestRandomized(p, rng)
			if err != nil {
				return nil, err
			}
			pairs[i] = Pair{Source: i, Target: n.Index, Point: n.Point, Distance: n.Distance}
		}
		return pairs, nil
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	chunk := (len(cloud) + workers - 1) / workers
	if chunk < minPointsPerWorker {
		chunk = minPointsPerWorker
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < len(cloud); start += chunk {
		end := start + chunk
		if end > len(cloud) {
			end = len(cloud)
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				n, err := tree.Nearest(cloud[i])
				if err != nil {
					return err
				}
				pairs[i] = Pair{Source: i, Target: n.Index, Point: n.Point, Distance: n.Distance}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pairs, nil
}

// uniquePairs keeps, for every target index, the pair with the smallest
// distance. Ties go to the lower source index. The result is ordered by
// source index.
func uniquePairs(pairs []Pair) []Pair {
	sorted := make([]Pair, len(pairs))
	copy(sorted, pairs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Distance != sorted[j].Distance {
			return sorted[i].Distance < sorted[j].Distance
		}
		return sorted[i].Source < sorted[j].Source
	})

	taken := make(map[int]struct{}, len(sorted))
	kept := sorted[:0]
	for _, p := range sorted {
		if _, ok := taken[p.Target]; ok {
			continue
		}
		taken[p.Target] = struct{}{}
		kept = append(kept, p)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Source < kept[j].Source })
	return kept
}

// meanSquaredDistance is the alignment penalty Σd²/n.
func meanSquaredDistance(pairs []Pair) float64 {
	if len(pairs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pairs {
		sum += p.Distance * p.Distance
	}
	return sum / float64(len(pairs))
}

// ResidualStats summarises the correspondence distances of one iteration.
type ResidualStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stdDev"`
}

// Residuals computes distance statistics over pairs. An empty slice yields
// the zero value.
func Residuals(pairs []Pair) ResidualStats {
	if len(pairs) == 0 {
		return ResidualStats{}
	}
	d := make([]float64, len(pairs))
	for i, p := range pairs {
		d[i] = p.Distance
	}

	var rs ResidualStats
	// stats only errors on empty input, which is excluded above.
	rs.Mean, _ = stats.Mean(d)
	rs.Median, _ = stats.Median(d)
	rs.P95, _ = stats.Percentile(d, 95)
	rs.Max, _ = stats.Max(d)
	rs.StdDev, _ = stats.StandardDeviation(d)
	return rs
}
