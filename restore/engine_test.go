package restore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"photorestore/degradation"
	"photorestore/modelruntime"
	"photorestore/sampler"
	"photorestore/schedule"
	"photorestore/tensor"
)

// trace records model lifecycle and model calls in order.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) add(s string) {
	tr.mu.Lock()
	tr.events = append(tr.events, s)
	tr.mu.Unlock()
}

func (tr *trace) observe(e modelruntime.Event) {
	if e.Action == modelruntime.ActionReclaim {
		tr.add("reclaim")
		return
	}
	tr.add(string(e.Action) + ":" + string(e.Kind))
}

func (tr *trace) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func (tr *trace) count(s string) int {
	n := 0
	for _, e := range tr.snapshot() {
		if e == s {
			n++
		}
	}
	return n
}

type testEncoder struct {
	tr     *trace
	out    map[string][]float32
	err    error
	onCall func()
}

func (e *testEncoder) Encode(ctx context.Context, img *tensor.Image) (map[string][]float32, error) {
	e.tr.add("encode")
	if e.onCall != nil {
		e.onCall()
	}
	return e.out, e.err
}

func (e *testEncoder) Close() error {
	e.tr.add("close:encoder")
	return nil
}

type testDenoiser struct {
	tr     *trace
	err    error
	shape  *tensor.Image
	onCall func(ctx context.Context, call int)
	calls  int
	panics bool
}

func (d *testDenoiser) Denoise(ctx context.Context, req modelruntime.DenoiseRequest) (*tensor.Image, error) {
	d.calls++
	d.tr.add("denoise")
	if d.onCall != nil {
		d.onCall(ctx, d.calls)
	}
	if d.panics {
		panic("denoiser exploded")
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.shape != nil {
		return d.shape, nil
	}
	out, _ := tensor.New(req.Noisy.Width, req.Noisy.Height)
	return out, nil
}

func (d *testDenoiser) Close() error {
	d.tr.add("close:denoiser")
	return nil
}

type testLoader struct {
	enc    *testEncoder
	den    *testDenoiser
	encErr error
	denErr error
}

func (l *testLoader) LoadEncoder(ctx context.Context) (modelruntime.EncoderModel, error) {
	if l.encErr != nil {
		return nil, l.encErr
	}
	return l.enc, nil
}

func (l *testLoader) LoadDenoiser(ctx context.Context) (modelruntime.DenoiserModel, error) {
	if l.denErr != nil {
		return nil, l.denErr
	}
	return l.den, nil
}

func newLoader(tr *trace) *testLoader {
	return &testLoader{
		enc: &testEncoder{tr: tr, out: map[string][]float32{"embedding": make([]float32, 2*degradation.ContextLen)}},
		den: &testDenoiser{tr: tr},
	}
}

func newTestEngine(tr *trace, loader modelruntime.Loader, opts ...Option) (*Engine, *modelruntime.Manager) {
	mgr := modelruntime.NewManager(loader,
		modelruntime.WithObserver(tr.observe),
		modelruntime.WithReclaimFunc(func() {}),
	)
	opts = append([]Option{WithExtractor(degradation.NewExtractor(32, ""))}, opts...)
	return NewEngine(mgr, sampler.New(sampler.WithSeed(7)), opts...), mgr
}

func testImage(w, h int) *tensor.Image {
	img, _ := tensor.New(w, h)
	for i := range img.Data {
		img.Data[i] = float32(i%97) / 96
	}
	return img
}

// collect drains the run's stream, checking that the outcome comes last and
// exactly once and that the channel is then closed.
func collect(t *testing.T, run *Run) ([]sampler.Progress, Outcome) {
	t.Helper()
	var (
		progress []sampler.Progress
		outcome  Outcome
		terminal int
	)
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				if terminal != 1 {
					t.Fatalf("stream closed after %d terminal events, want 1", terminal)
				}
				return progress, outcome
			}
			if ev.Terminal() {
				terminal++
				outcome = *ev.Outcome
				continue
			}
			if terminal > 0 {
				t.Errorf("progress event %+v after the outcome", ev.Progress)
			}
			progress = append(progress, ev.Progress)
		case <-timeout:
			t.Fatal("timed out waiting for run events")
		}
	}
}

func checkProgress(t *testing.T, progress []sampler.Progress, want, total int) {
	t.Helper()
	if len(progress) != want {
		t.Fatalf("got %d progress events, want %d", len(progress), want)
	}
	for i, p := range progress {
		if p.CurrentStep != i+1 || p.TotalSteps != total {
			t.Errorf("event %d = %+v, want {%d %d}", i, p, i+1, total)
		}
	}
}

func TestEngine_Success(t *testing.T) {
	tr := &trace{}
	engine, mgr := newTestEngine(tr, newLoader(tr))

	run, err := engine.Start(context.Background(), testImage(40, 24), 10)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	progress, outcome := collect(t, run)
	checkProgress(t, progress, 10, 10)

	if !outcome.Succeeded() {
		t.Fatalf("outcome = %+v, want success", outcome)
	}
	if outcome.Image == nil || outcome.Image.Width != 40 || outcome.Image.Height != 24 {
		t.Fatalf("outcome image = %+v, want 40x24", outcome.Image)
	}
	for i, v := range outcome.Image.Data {
		if v < 0 || v > 1 {
			t.Fatalf("value %d = %v outside [0,1]", i, v)
		}
	}
	if outcome.StepsCompleted != 10 || outcome.Err != nil {
		t.Errorf("StepsCompleted = %d, Err = %v", outcome.StepsCompleted, outcome.Err)
	}
	if got := run.Wait(); got.Status != StatusSucceeded {
		t.Errorf("Wait() status = %s", got.Status)
	}

	want := []string{"acquire:encoder", "encode", "close:encoder", "release:encoder", "reclaim", "acquire:denoiser"}
	for i := 0; i < 10; i++ {
		want = append(want, "denoise")
	}
	want = append(want, "close:denoiser", "release:denoiser", "reclaim")

	got := tr.snapshot()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("trace =\n%v\nwant\n%v", got, want)
	}
	if mgr.State(modelruntime.KindEncoder) != modelruntime.StateUnloaded ||
		mgr.State(modelruntime.KindDenoiser) != modelruntime.StateUnloaded {
		t.Error("a model is still resident after the run")
	}
}

func TestEngine_InputNotModified(t *testing.T) {
	tr := &trace{}
	engine, _ := newTestEngine(tr, newLoader(tr))
	img := testImage(16, 16)
	orig := img.Clone()

	run, err := engine.Start(context.Background(), img, 3)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	outcome := run.Wait()

	for i := range img.Data {
		if img.Data[i] != orig.Data[i] {
			t.Fatalf("input value %d changed", i)
		}
	}
	if &outcome.Image.Data[0] == &img.Data[0] {
		t.Error("outcome image aliases the input")
	}
}

func TestEngine_Failures(t *testing.T) {
	badShape, _ := tensor.New(3, 3)

	tests := []struct {
		name         string
		setup        func(l *testLoader)
		wantKind     ErrorKind
		wantDenoiser bool // denoiser was acquired
		wantDenoiseN int
	}{
		{
			name:     "encoder unavailable",
			setup:    func(l *testLoader) { l.encErr = errors.New("no such model") },
			wantKind: KindModelUnavailable,
		},
		{
			name:     "encoder returns nothing",
			setup:    func(l *testLoader) { l.enc.out = nil },
			wantKind: KindEncodingFailed,
		},
		{
			name:     "encoder inference fails",
			setup:    func(l *testLoader) { l.enc.err = fmt.Errorf("rpc: %w", modelruntime.ErrInferenceFailed) },
			wantKind: KindEncodingFailed,
		},
		{
			name:     "embedding of unexpected length",
			setup:    func(l *testLoader) { l.enc.out = map[string][]float32{"e": make([]float32, 700)} },
			wantKind: KindDimensionMismatch,
		},
		{
			name:     "denoiser unavailable",
			setup:    func(l *testLoader) { l.denErr = modelruntime.ErrModelUnavailable },
			wantKind: KindModelUnavailable,
		},
		{
			name:         "denoiser out of memory",
			setup:        func(l *testLoader) { l.den.err = fmt.Errorf("host: %w", modelruntime.ErrOutOfMemory) },
			wantKind:     KindOutOfMemory,
			wantDenoiser: true,
			wantDenoiseN: 1,
		},
		{
			name:         "denoiser output shape",
			setup:        func(l *testLoader) { l.den.shape = badShape },
			wantKind:     KindDimensionMismatch,
			wantDenoiser: true,
			wantDenoiseN: 1,
		},
		{
			name:         "denoiser inference fails",
			setup:        func(l *testLoader) { l.den.err = modelruntime.ErrInferenceFailed },
			wantKind:     KindInternal,
			wantDenoiser: true,
			wantDenoiseN: 1,
		},
		{
			name:         "denoiser panics",
			setup:        func(l *testLoader) { l.den.panics = true },
			wantKind:     KindInternal,
			wantDenoiser: true,
			wantDenoiseN: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &trace{}
			loader := newLoader(tr)
			tt.setup(loader)
			engine, mgr := newTestEngine(tr, loader)

			run, err := engine.Start(context.Background(), testImage(12, 12), 5)
			if err != nil {
				t.Fatalf("Start() error: %v", err)
			}
			progress, outcome := collect(t, run)

			if outcome.Status != StatusFailed {
				t.Fatalf("status = %s, want failed (err %v)", outcome.Status, outcome.Err)
			}
			if outcome.Kind != tt.wantKind || KindOf(outcome.Err) != tt.wantKind {
				t.Errorf("kind = %s (KindOf %s), want %s: %v", outcome.Kind, KindOf(outcome.Err), tt.wantKind, outcome.Err)
			}
			if outcome.Image != nil {
				t.Error("failed outcome carries an image")
			}
			if len(progress) != 0 {
				t.Errorf("got %d progress events before a first-step failure", len(progress))
			}
			if got := tr.count("acquire:denoiser"); (got == 1) != tt.wantDenoiser {
				t.Errorf("denoiser acquired %d times, want acquired=%v", got, tt.wantDenoiser)
			}
			if got := tr.count("denoise"); got != tt.wantDenoiseN {
				t.Errorf("denoise called %d times, want %d", got, tt.wantDenoiseN)
			}
			if tr.count("acquire:encoder") != tr.count("release:encoder") ||
				tr.count("acquire:denoiser") != tr.count("release:denoiser") {
				t.Errorf("unbalanced acquire/release: %v", tr.snapshot())
			}
			if mgr.State(modelruntime.KindDenoiser) != modelruntime.StateUnloaded {
				t.Error("denoiser still resident")
			}

			// the guard is free again
			next, err := engine.Start(context.Background(), testImage(12, 12), 1)
			if err != nil {
				t.Fatalf("Start() after failure error: %v", err)
			}
			next.Wait()
		})
	}
}

func TestEngine_Cancel(t *testing.T) {
	for _, k := range []int{1, 3, 7} {
		t.Run(fmt.Sprintf("after %d steps", k), func(t *testing.T) {
			tr := &trace{}
			loader := newLoader(tr)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			loader.den.onCall = func(_ context.Context, call int) {
				if call == k {
					cancel()
				}
			}
			engine, _ := newTestEngine(tr, loader)

			run, err := engine.Start(ctx, testImage(8, 8), 10)
			if err != nil {
				t.Fatalf("Start() error: %v", err)
			}
			progress, outcome := collect(t, run)

			if outcome.Status != StatusCancelled {
				t.Fatalf("status = %s, want cancelled (err %v)", outcome.Status, outcome.Err)
			}
			if outcome.Err != nil || outcome.Kind != KindNone {
				t.Errorf("cancelled outcome has error %v kind %q", outcome.Err, outcome.Kind)
			}
			checkProgress(t, progress, k, 10)
			if outcome.StepsCompleted != k {
				t.Errorf("StepsCompleted = %d, want %d", outcome.StepsCompleted, k)
			}
			if tr.count("release:denoiser") != 1 {
				t.Errorf("denoiser not released: %v", tr.snapshot())
			}
		})
	}
}

func TestEngine_CancelDuringExtraction(t *testing.T) {
	tr := &trace{}
	loader := newLoader(tr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loader.enc.onCall = cancel
	engine, _ := newTestEngine(tr, loader)

	run, err := engine.Start(ctx, testImage(8, 8), 10)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	progress, outcome := collect(t, run)

	if outcome.Status != StatusCancelled || len(progress) != 0 {
		t.Fatalf("status = %s with %d events, want cancelled with 0", outcome.Status, len(progress))
	}
	if tr.count("acquire:denoiser") != 0 {
		t.Error("denoiser loaded after cancellation")
	}
	if tr.count("release:encoder") != 1 {
		t.Error("encoder not released")
	}
}

func TestEngine_RunCancel(t *testing.T) {
	tr := &trace{}
	loader := newLoader(tr)
	entered := make(chan struct{})
	gate := make(chan struct{})
	loader.den.onCall = func(_ context.Context, call int) {
		if call == 2 {
			close(entered)
			<-gate
		}
	}
	engine, _ := newTestEngine(tr, loader)

	run, err := engine.Start(context.Background(), testImage(8, 8), 10)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-entered
	run.Cancel()
	close(gate)

	progress, outcome := collect(t, run)
	if outcome.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", outcome.Status)
	}
	// the in-flight step completes
	checkProgress(t, progress, 2, 10)
}

func TestEngine_CancelActiveRun(t *testing.T) {
	tr := &trace{}
	loader := newLoader(tr)
	entered := make(chan struct{})
	gate := make(chan struct{})
	loader.den.onCall = func(_ context.Context, call int) {
		if call == 2 {
			close(entered)
			<-gate
		}
	}
	engine, _ := newTestEngine(tr, loader)

	if engine.Cancel() {
		t.Fatal("Cancel() = true with no active run")
	}

	run, err := engine.Start(context.Background(), testImage(8, 8), 10)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-entered
	if !engine.Cancel() {
		t.Error("Cancel() = false during a run")
	}
	close(gate)

	progress, outcome := collect(t, run)
	if outcome.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", outcome.Status)
	}
	checkProgress(t, progress, 2, 10)

	if engine.Cancel() {
		t.Error("Cancel() = true after the run finished")
	}
}

func TestEngine_AlreadyRunning(t *testing.T) {
	tr := &trace{}
	loader := newLoader(tr)
	entered := make(chan struct{})
	gate := make(chan struct{})
	loader.den.onCall = func(_ context.Context, call int) {
		if call == 1 {
			close(entered)
			<-gate
		}
	}
	engine, _ := newTestEngine(tr, loader)

	first, err := engine.Start(context.Background(), testImage(8, 8), 3)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-entered

	_, err = engine.Start(context.Background(), testImage(8, 8), 3)
	if KindOf(err) != KindAlreadyRunning || !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want already running", err)
	}

	close(gate)
	if outcome := first.Wait(); !outcome.Succeeded() {
		t.Fatalf("first run outcome = %+v", outcome)
	}
	if tr.count("acquire:encoder") != 1 {
		t.Errorf("rejected request touched the models: %v", tr.snapshot())
	}

	third, err := engine.Start(context.Background(), testImage(8, 8), 1)
	if err != nil {
		t.Fatalf("Start() after completion error: %v", err)
	}
	third.Wait()
}

func TestEngine_InvalidRequest(t *testing.T) {
	tests := []struct {
		name     string
		img      *tensor.Image
		numSteps int
	}{
		{"zero steps", testImage(4, 4), 0},
		{"too many steps", testImage(4, 4), 1001},
		{"steps beyond schedule", testImage(4, 4), 2*schedule.DefaultT + 1},
		{"nil image", nil, 10},
		{"empty image", &tensor.Image{}, 10},
		{"short data", &tensor.Image{Width: 4, Height: 4, Data: make([]float32, 5)}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &trace{}
			keep := &fakeKeepAlive{}
			engine, _ := newTestEngine(tr, newLoader(tr), WithKeepAlive(keep))

			run, err := engine.Start(context.Background(), tt.img, tt.numSteps)
			if run != nil {
				t.Fatal("Start() returned a run for an invalid request")
			}
			if KindOf(err) != KindInvalidRequest || !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Start() error = %v, want invalid request", err)
			}
			if keep.acquired != 0 {
				t.Error("keep-alive held for an invalid request")
			}
		})
	}
}

func TestEngine_MaxStepsFollowsSchedule(t *testing.T) {
	tr := &trace{}
	params := DefaultScheduleParams()
	params.T = 10
	engine, _ := newTestEngine(tr, newLoader(tr), WithScheduleParams(params))

	if got := engine.MaxSteps(); got != 20 {
		t.Fatalf("MaxSteps() = %d, want 20", got)
	}
	if _, err := engine.Start(context.Background(), testImage(4, 4), 21); KindOf(err) != KindInvalidRequest {
		t.Fatalf("Start(21) error = %v, want invalid request", err)
	}

	run, err := engine.Start(context.Background(), testImage(4, 4), 20)
	if err != nil {
		t.Fatalf("Start(20) error: %v", err)
	}
	if outcome := run.Wait(); outcome.Status != StatusSucceeded {
		t.Fatalf("status = %s (%v), want succeeded", outcome.Status, outcome.Err)
	}
	for i, v := range run.Wait().Image.Data {
		if !(v >= 0 && v <= 1) {
			t.Fatalf("Data[%d] = %v, want in [0,1]", i, v)
		}
	}
}

type fakeKeepAlive struct {
	mu       sync.Mutex
	fail     error
	names    []string
	acquired int
	released int
}

func (k *fakeKeepAlive) Hold(name string) (func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fail != nil {
		return nil, k.fail
	}
	k.acquired++
	k.names = append(k.names, name)
	return func() {
		k.mu.Lock()
		k.released++
		k.mu.Unlock()
	}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []RunRecord
}

func (r *fakeRecorder) Record(rec RunRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func TestEngine_KeepAliveAndRecorder(t *testing.T) {
	tr := &trace{}
	keep := &fakeKeepAlive{}
	rec := &fakeRecorder{}
	engine, _ := newTestEngine(tr, newLoader(tr), WithKeepAlive(keep), WithRecorder(rec))

	run, err := engine.Start(context.Background(), testImage(10, 6), 4)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	run.Wait()

	keep.mu.Lock()
	if keep.acquired != 1 || keep.released != 1 || keep.names[0] != "restore/"+run.ID {
		t.Errorf("keep-alive acquired=%d released=%d names=%v", keep.acquired, keep.released, keep.names)
	}
	keep.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.records) != 1 {
		t.Fatalf("got %d records, want 1", len(rec.records))
	}
	r := rec.records[0]
	if r.ID != run.ID || r.Status != StatusSucceeded || r.NumSteps != 4 || r.StepsCompleted != 4 {
		t.Errorf("record = %+v", r)
	}
	if r.Width != 10 || r.Height != 6 || r.ErrorKind != KindNone || r.Duration() < 0 {
		t.Errorf("record = %+v", r)
	}
}

func TestEngine_KeepAliveRefused(t *testing.T) {
	tr := &trace{}
	keep := &fakeKeepAlive{fail: errors.New("shutting down")}
	engine, _ := newTestEngine(tr, newLoader(tr), WithKeepAlive(keep))

	_, err := engine.Start(context.Background(), testImage(4, 4), 2)
	if KindOf(err) != KindInternal {
		t.Fatalf("Start() error = %v, want internal", err)
	}

	keep.mu.Lock()
	keep.fail = nil
	keep.mu.Unlock()
	run, err := engine.Start(context.Background(), testImage(4, 4), 2)
	if err != nil {
		t.Fatalf("Start() after refusal error: %v (guard not released)", err)
	}
	run.Wait()
}

func TestEngine_RunIDReachesModels(t *testing.T) {
	tr := &trace{}
	loader := newLoader(tr)
	var seen []string
	loader.den.onCall = func(ctx context.Context, _ int) {
		seen = append(seen, modelruntime.RunIDFrom(ctx))
	}
	engine, _ := newTestEngine(tr, loader)
	engine.newID = func() string { return "run-42" }

	run, err := engine.Start(context.Background(), testImage(4, 4), 2)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	run.Wait()

	if run.ID != "run-42" || len(seen) != 2 || seen[0] != "run-42" || seen[1] != "run-42" {
		t.Errorf("run ID %q, seen by denoiser %v", run.ID, seen)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		stage stage
		err   error
		want  ErrorKind
	}{
		{stageSample, fmt.Errorf("x: %w", sampler.ErrCancelled), KindCancelled},
		{stageExtract, context.Canceled, KindCancelled},
		{stageSample, context.DeadlineExceeded, KindCancelled},
		{stageOutput, modelruntime.ErrOutOfMemory, KindOutOfMemory},
		{stageExtract, degradation.ErrDimensionMismatch, KindDimensionMismatch},
		{stageSample, tensor.ErrShapeMismatch, KindDimensionMismatch},
		{stageExtract, degradation.ErrEncodingFailed, KindEncodingFailed},
		{stageExtract, modelruntime.ErrInferenceFailed, KindEncodingFailed},
		{stageSample, modelruntime.ErrInferenceFailed, KindInternal},
		{stageSample, modelruntime.ErrModelUnavailable, KindModelUnavailable},
		{stageSample, modelruntime.ErrResidencyViolation, KindInternal},
	}
	for _, tt := range tests {
		if got := classify(tt.stage, tt.err); got != tt.want {
			t.Errorf("classify(%d, %v) = %s, want %s", tt.stage, tt.err, got, tt.want)
		}
	}
}
