package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/matzehuels/ray/pkg/cache"
	apperrors "github.com/matzehuels/ray/pkg/errors"
	"github.com/matzehuels/ray/pkg/observability"
	"github.com/matzehuels/ray/pkg/volio"
	"github.com/matzehuels/ray/pkg/volume"
)

// blocks returns a blocky oversegmentation with random boundary values.
func blocks(seed uint64) (*volume.Labels, *volume.Probabilities) {
	r := rand.New(rand.NewPCG(seed, 7))
	shape := volume.Shape{3, 9, 9}
	ws := volume.NewLabels(shape)
	probs := volume.NewProbabilities(shape)
	for i := range ws.Data {
		z, y, x := shape.Coord(i)
		ws.Data[i] = uint64(z*9+(y/3)*3+x/3) + 1
		probs.Data[i] = float64(r.IntN(256))
	}
	return ws, probs
}

// collect runs Segment and returns the emitted volumes in threshold order.
func collect(t *testing.T, r *Runner, ws *volume.Labels, probs *volume.Probabilities, opts Options) ([]Segmentation, Stats) {
	t.Helper()
	out := make([]Segmentation, len(opts.Thresholds))
	var mu sync.Mutex
	emitted := 0
	stats, err := r.Segment(context.Background(), probs, ws, opts, func(_ context.Context, s Segmentation) error {
		mu.Lock()
		defer mu.Unlock()
		out[s.Index] = s
		emitted++
		return nil
	})
	if err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if emitted != len(opts.Thresholds) {
		t.Fatalf("emitted %d volumes, want %d", emitted, len(opts.Thresholds))
	}
	return out, stats
}

// coarsens reports whether every region of fine lies inside one region of
// coarse.
func coarsens(fine, coarse *volume.Labels) bool {
	m := make(map[uint64]uint64)
	for i, f := range fine.Data {
		c := coarse.Data[i]
		if prev, ok := m[f]; ok && prev != c {
			return false
		}
		m[f] = c
	}
	return true
}

func TestSegmentTwoThresholds(t *testing.T) {
	ws, probs := blocks(1)
	r := NewRunner(nil, nil, nil)

	segs, stats := collect(t, r, ws, probs, Options{Thresholds: []float64{100, 200}})

	if stats.Basins != 27 || stats.Nodes != 27 {
		t.Errorf("stats = %+v, want 27 basins and nodes", stats)
	}
	if stats.LadderNodes != 0 {
		t.Errorf("LadderNodes = %d without a ladder, want 0", stats.LadderNodes)
	}
	if segs[0].Threshold != 100 || segs[1].Threshold != 200 {
		t.Errorf("thresholds = %v, %v", segs[0].Threshold, segs[1].Threshold)
	}
	if segs[1].Regions > segs[0].Regions {
		t.Errorf("regions grew from %d to %d", segs[0].Regions, segs[1].Regions)
	}
	if !coarsens(segs[0].Labels, segs[1].Labels) {
		t.Error("second segmentation is not a coarsening of the first")
	}
	for _, s := range segs {
		if s.Labels.CountRegions() != s.Regions {
			t.Errorf("threshold %v: Regions = %d, volume has %d", s.Threshold, s.Regions, s.Labels.CountRegions())
		}
	}
}

func TestSegmentParallelMatchesSequential(t *testing.T) {
	thresholds := []float64{200, 60, 128, 128, 250}
	for seed := uint64(1); seed <= 3; seed++ {
		ws, probs := blocks(seed)
		r := NewRunner(nil, nil, nil)

		seq, _ := collect(t, r, ws, probs, Options{Thresholds: thresholds})
		par, _ := collect(t, r, ws, probs, Options{Thresholds: thresholds, Workers: 4})
		for i := range thresholds {
			if diff := cmp.Diff(seq[i].Labels.Data, par[i].Labels.Data); diff != "" {
				t.Errorf("seed %d threshold %v: parallel differs (-seq +par):\n%s", seed, thresholds[i], diff)
			}
		}
	}
}

func TestSegmentDecreasingThresholdResets(t *testing.T) {
	ws, probs := blocks(4)
	r := NewRunner(nil, nil, nil)

	swept, _ := collect(t, r, ws, probs, Options{Thresholds: []float64{220, 40}})
	direct, _ := collect(t, r, ws, probs, Options{Thresholds: []float64{40}})

	if diff := cmp.Diff(direct[0].Labels.Data, swept[1].Labels.Data); diff != "" {
		t.Errorf("lower threshold after higher one was over-merged (-want +got):\n%s", diff)
	}
}

func TestSegmentPostLadderIsolated(t *testing.T) {
	ws, probs := blocks(5)
	r := NewRunner(nil, nil, nil)

	// Small cells make the ladder pass merge something.
	opts := Options{Thresholds: []float64{30, 90}, Ladder: ladder(60), PostLadder: true}
	swept, stats := collect(t, r, ws, probs, opts)

	without, _ := collect(t, r, ws, probs, Options{Thresholds: []float64{30, 90}})
	alone, _ := collect(t, r, ws, probs, Options{Thresholds: []float64{90}, Ladder: ladder(60), PostLadder: true})

	if stats.LadderNodes != 0 || stats.LadderEdges != 0 {
		t.Errorf("post ladder reported a pre-ladder pass: %d nodes, %d edges", stats.LadderNodes, stats.LadderEdges)
	}
	if diff := cmp.Diff(alone[0].Labels.Data, swept[1].Labels.Data); diff != "" {
		t.Errorf("post ladder leaked across thresholds (-want +got):\n%s", diff)
	}
	if !coarsens(without[0].Labels, swept[0].Labels) {
		t.Error("post ladder output should coarsen the plain agglomeration")
	}
	if swept[0].Regions > without[0].Regions {
		t.Errorf("post ladder regions %d > plain %d", swept[0].Regions, without[0].Regions)
	}
}

func TestSegmentPreLadder(t *testing.T) {
	ws, probs := blocks(6)
	rec := &recorder{}
	r := NewRunner(nil, nil, nil)
	r.Hooks = rec

	segs, stats := collect(t, r, ws, probs, Options{Thresholds: []float64{0}, Ladder: ladder(60)})

	// Every 9-voxel cell is undersized, so the ladder keeps merging until
	// all regions reach 60 voxels.
	for _, l := range segs[0].Labels.Distinct() {
		size := 0
		for _, v := range segs[0].Labels.Data {
			if v == l {
				size++
			}
		}
		if size < 60 && segs[0].Regions > 1 {
			t.Errorf("region %d has %d voxels after pre-ladder", l, size)
		}
	}
	if stats.LadderNodes >= stats.Nodes {
		t.Errorf("LadderNodes = %d, want fewer than %d", stats.LadderNodes, stats.Nodes)
	}
	if rec.graphBuilt != 1 || rec.ladders != 1 || rec.thresholds != 1 {
		t.Errorf("hooks = %+v, want one graph, ladder and threshold event", rec)
	}
}

func TestSegmentShapeMismatch(t *testing.T) {
	ws := volume.NewLabels(volume.Shape{1, 2, 2})
	probs := volume.NewProbabilities(volume.Shape{1, 2, 3})
	r := NewRunner(nil, nil, nil)

	_, err := r.Segment(context.Background(), probs, ws, Options{}, func(context.Context, Segmentation) error {
		t.Error("emit called for mismatched volumes")
		return nil
	})
	if !errors.Is(err, volume.ErrShapeMismatch) {
		t.Errorf("Segment() error = %v, want ErrShapeMismatch", err)
	}
	if !apperrors.Is(err, apperrors.ErrCodeShapeMismatch) {
		t.Errorf("code = %v, want %v", apperrors.GetCode(err), apperrors.ErrCodeShapeMismatch)
	}
}

func TestSegmentEmitErrorStops(t *testing.T) {
	ws, probs := blocks(2)
	r := NewRunner(nil, nil, nil)
	boom := errors.New("disk full")

	calls := 0
	_, err := r.Segment(context.Background(), probs, ws, Options{Thresholds: []float64{10, 20, 30}},
		func(context.Context, Segmentation) error {
			calls++
			return boom
		})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("Segment() = %v after %d emits, want disk full after 1", err, calls)
	}
}

// =============================================================================
// Execute
// =============================================================================

// writeProbs stores a probability volume with several low valleys separated
// by ridges and returns its path.
func writeProbs(t *testing.T, dir string) string {
	t.Helper()
	shape := volume.Shape{2, 12, 12}
	probs := volume.NewProbabilities(shape)
	for i := range probs.Data {
		z, y, x := shape.Coord(i)
		switch {
		case x%4 == 0 || y%4 == 0:
			probs.Data[i] = float64(60 + (x*37+y*11+z*5)%190)
		default:
			probs.Data[i] = float64((x + y) % 3)
		}
	}
	path := filepath.Join(dir, "probs.rvol")
	if err := volio.ExportProbabilities(path, probs, nil); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecute(t *testing.T) {
	dir := t.TempDir()
	input := writeProbs(t, dir)
	c, err := cache.NewFileCache(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRunner(c, nil, nil)
	defer r.Close()

	opts := Options{
		Inputs:        []string{input},
		Output:        filepath.Join(dir, "seg-%v.rvol"),
		Thresholds:    []float64{100, 200},
		SaveWatershed: filepath.Join(dir, "ws.rvol"),
	}
	res, err := r.Execute(context.Background(), opts)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.CacheInfo.WatershedHit {
		t.Error("first run should miss the watershed cache")
	}
	if len(res.Outputs) != 2 {
		t.Fatalf("Outputs = %d, want 2", len(res.Outputs))
	}
	if res.Shape != (volume.Shape{2, 12, 12}) {
		t.Errorf("Shape = %v", res.Shape)
	}

	var segs []*volume.Labels
	for i, want := range []string{"seg-100.rvol", "seg-200.rvol"} {
		out := res.Outputs[i]
		if filepath.Base(out.Path) != want {
			t.Errorf("Outputs[%d].Path = %s, want %s", i, out.Path, want)
		}
		f, err := os.Open(out.Path)
		if err != nil {
			t.Fatal(err)
		}
		l, attrs, err := volio.ReadLabels(f)
		f.Close()
		if err != nil {
			t.Fatalf("read %s: %v", out.Path, err)
		}
		if attrs["run"] != res.RunID {
			t.Errorf("%s: run attr = %q, want %q", want, attrs["run"], res.RunID)
		}
		if l.CountRegions() != out.Regions {
			t.Errorf("%s: %d regions, Output says %d", want, l.CountRegions(), out.Regions)
		}
		segs = append(segs, l)
	}
	if !coarsens(segs[0], segs[1]) {
		t.Error("threshold 200 is not a coarsening of threshold 100")
	}

	ws, err := volio.LoadLabels(opts.SaveWatershed)
	if err != nil {
		t.Fatalf("saved watershed: %v", err)
	}
	if ws.CountRegions() != res.Stats.Basins {
		t.Errorf("saved watershed has %d basins, stats say %d", ws.CountRegions(), res.Stats.Basins)
	}

	// Second run reuses the cached watershed.
	r.Watershed = func(context.Context, *volume.Probabilities) (*volume.Labels, error) {
		t.Error("watershed recomputed despite cache entry")
		return nil, errors.New("unexpected")
	}
	opts.RunID = ""
	res2, err := r.Execute(context.Background(), opts)
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if !res2.CacheInfo.WatershedHit {
		t.Error("second run should hit the watershed cache")
	}
	if res2.RunID == res.RunID {
		t.Error("each run should get its own id")
	}
}

func TestExecuteCorruptCacheEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	input := writeProbs(t, dir)
	probs, err := volio.LoadProbabilities(input)
	if err != nil {
		t.Fatal(err)
	}
	c, err := cache.NewFileCache(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRunner(c, nil, nil)
	defer r.Close()

	// A header declaring an impossible shape must not reach allocation.
	hdr := `{"shape":[1000000,1000000,1000000],"dtype":"uint64"}`
	entry := append([]byte("RVOL\x01"), byte(len(hdr)), 0, 0, 0)
	entry = append(entry, hdr...)
	key := r.Keyer.WatershedKey(cache.HashProbabilities(probs), false)
	if err := c.Set(context.Background(), key, entry, time.Hour); err != nil {
		t.Fatal(err)
	}

	res, err := r.Execute(context.Background(), Options{
		Inputs: []string{input},
		Output: filepath.Join(dir, "seg.rvol"),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.CacheInfo.WatershedHit {
		t.Error("corrupt cache entry counted as a hit")
	}
	if res.Stats.Basins == 0 {
		t.Error("watershed was not recomputed")
	}
}

func TestExecuteMissingWatershedFile(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(nil, nil, nil)
	r.Watershed = func(context.Context, *volume.Probabilities) (*volume.Labels, error) {
		t.Error("fell back to computing the watershed")
		return nil, errors.New("unexpected")
	}

	_, err := r.Execute(context.Background(), Options{
		Inputs:    []string{writeProbs(t, dir)},
		Output:    filepath.Join(dir, "seg.rvol"),
		Watershed: filepath.Join(dir, "missing.rvol"),
	})
	if !apperrors.Is(err, apperrors.ErrCodeFileNotFound) {
		t.Errorf("Execute() error = %v, want FILE_NOT_FOUND", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error %v should wrap the underlying I/O error", err)
	}
}

func TestExecuteMissingInput(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(nil, nil, nil)
	_, err := r.Execute(context.Background(), Options{
		Inputs: []string{filepath.Join(dir, "nope.rvol")},
		Output: filepath.Join(dir, "seg.rvol"),
	})
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Execute() error = %v, want a not-exist error", err)
	}
}

func TestExecuteSaveWatershedOverwrites(t *testing.T) {
	dir := t.TempDir()
	save := filepath.Join(dir, "ws.rvol")
	if err := os.WriteFile(save, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRunner(nil, nil, nil)
	_, err := r.Execute(context.Background(), Options{
		Inputs:        []string{writeProbs(t, dir)},
		Output:        filepath.Join(dir, "seg.rvol"),
		SaveWatershed: save,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := volio.LoadLabels(save); err != nil {
		t.Errorf("saved watershed unreadable: %v", err)
	}
}

func TestExecuteUsesGlobalHooks(t *testing.T) {
	observability.Reset()
	defer observability.Reset()
	rec := &recorder{}
	observability.SetPipelineHooks(rec)

	dir := t.TempDir()
	r := NewRunner(nil, nil, nil)
	_, err := r.Execute(context.Background(), Options{
		Inputs:     []string{writeProbs(t, dir)},
		Output:     filepath.Join(dir, "seg-%v.rvol"),
		Thresholds: []float64{50, 150, 250},
		Workers:    2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.watershedStart != 1 || rec.watershedDone != 1 || rec.thresholds != 3 || rec.written != 3 {
		t.Errorf("hooks = %+v", rec)
	}
}

// recorder counts pipeline events.
type recorder struct {
	mu             sync.Mutex
	watershedStart int
	watershedDone  int
	graphBuilt     int
	ladders        int
	thresholds     int
	written        int
}

func (r *recorder) OnWatershedStart(context.Context, [3]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watershedStart++
}

func (r *recorder) OnWatershedComplete(context.Context, int, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watershedDone++
}

func (r *recorder) OnGraphBuilt(context.Context, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphBuilt++
}

func (r *recorder) OnLadderComplete(context.Context, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ladders++
}

func (r *recorder) OnThresholdComplete(context.Context, int, int, float64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds++
}

func (r *recorder) OnVolumeWritten(context.Context, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written++
}
