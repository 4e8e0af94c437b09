package models

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/vision-backend/internal/accel"
	"github.com/eleven-am/vision-backend/internal/sidecar"
	"github.com/eleven-am/vision-backend/internal/vision"
)

type fakeRuntime struct {
	mu        sync.Mutex
	responses map[string]string
	failLoad  map[string]bool
	status    int
	unloads   map[string]int
	options   map[string]map[string]any
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		responses: make(map[string]string),
		failLoad:  make(map[string]bool),
		unloads:   make(map[string]int),
		options:   make(map[string]map[string]any),
	}
}

func (f *fakeRuntime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[1] != "models" {
		http.NotFound(w, r)
		return
	}
	kind, op := parts[2], parts[3]

	switch op {
	case "load":
		if f.failLoad[kind] {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"weights not found"}`))
			return
		}
		var req sidecar.LoadRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(sidecar.LoadResponse{Model: req.Model, Version: "1"})
	case "unload":
		f.unloads[kind]++
		w.WriteHeader(http.StatusNoContent)
	case "infer":
		var req sidecar.InferRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.options[kind] = req.Options
		if f.status != 0 {
			w.WriteHeader(f.status)
			w.Write([]byte(`{"error":"runtime failure"}`))
			return
		}
		w.Write([]byte(f.responses[kind]))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRuntime) respond(kind, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[kind] = body
}

func (f *fakeRuntime) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeRuntime) optionsFor(kind string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.options[kind]
}

func (f *fakeRuntime) unloadCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unloads[kind]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFrame() *vision.Frame {
	return &vision.Frame{Width: 4, Height: 4, Pix: make([]byte, 4*4*3)}
}

func newTestEnv(t *testing.T) (*fakeRuntime, *sidecar.Client, *accel.Context) {
	t.Helper()
	rt := newFakeRuntime()
	server := httptest.NewServer(rt)
	t.Cleanup(server.Close)

	client := sidecar.NewClient(sidecar.Config{BaseURL: server.URL})
	device := accel.New(accel.StaticProber{}, accel.Config{MaxInflight: 2}, testLogger())
	return rt, client, device
}

func handJSON(n int, z float64, score string) string {
	points := make([]string, n)
	for i := range points {
		points[i] = "[0.5,0.5," + strconvFloat(z) + "]"
	}
	s := `{"landmarks":[` + strings.Join(points, ",") + `],"handedness":"Right"`
	if score != "" {
		s += `,"score":` + score
	}
	return s + "}"
}

func strconvFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestParseKinds(t *testing.T) {
	kinds, err := ParseKinds("")
	if err != nil || len(kinds) != 3 {
		t.Errorf("expected all kinds by default, got %v %v", kinds, err)
	}

	kinds, err = ParseKinds("hand, Pose,hand")
	if err != nil {
		t.Fatalf("ParseKinds failed: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != KindHand || kinds[1] != KindPose {
		t.Errorf("unexpected kinds: %v", kinds)
	}

	if _, err := ParseKinds("hand,face"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestInitialize_Success(t *testing.T) {
	_, client, device := newTestEnv(t)
	hand := NewHandAdapter("mediapipe-hands", client, device, testLogger())

	if hand.Available() {
		t.Error("adapter should not be available before Initialize")
	}

	capability, err := hand.Initialize(context.Background(), accel.CPU())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if capability.Kind != KindHand || capability.Model != "mediapipe-hands" || capability.Device != "cpu" {
		t.Errorf("unexpected capability: %+v", capability)
	}
	if !hand.Available() {
		t.Error("adapter should be available after Initialize")
	}
	if hand.Capability() != capability {
		t.Error("Capability should return the loaded capability")
	}
}

func TestInitialize_Failure(t *testing.T) {
	rt, client, device := newTestEnv(t)
	rt.mu.Lock()
	rt.failLoad["object"] = true
	rt.mu.Unlock()
	obj := NewObjectAdapter("yolov8n", client, device, testLogger())

	_, err := obj.Initialize(context.Background(), accel.CPU())
	var initErr *InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *InitializationError, got %v", err)
	}
	if initErr.Kind != KindObject {
		t.Errorf("expected kind object, got %s", initErr.Kind)
	}
	if obj.Available() {
		t.Error("adapter should be unavailable after failed Initialize")
	}

	_, err = obj.Detect(context.Background(), testFrame(), 0.5)
	var detErr *DetectionError
	if !errors.As(err, &detErr) || !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected unavailable DetectionError, got %v", err)
	}
}

func TestHandAdapter_Detect(t *testing.T) {
	rt, client, device := newTestEnv(t)
	rt.respond("hand", `{"hands":[`+
		handJSON(21, -0.4, "")+`,`+
		handJSON(21, 0.1, "0.75")+`,`+
		handJSON(21, 0, "0.6")+`]}`)

	hand := NewHandAdapter("", client, device, testLogger())
	hand.Initialize(context.Background(), accel.CPU())

	hands, err := hand.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(hands) != MaxHands {
		t.Fatalf("expected %d hands, got %d", MaxHands, len(hands))
	}
	if hands[0].Confidence != 0.9 {
		t.Errorf("expected default confidence 0.9, got %v", hands[0].Confidence)
	}
	if hands[1].Confidence != 0.75 {
		t.Errorf("expected confidence 0.75, got %v", hands[1].Confidence)
	}
	if !hands[0].HasDepth || hands[0].Landmarks[0].Z != -0.4 {
		t.Errorf("expected depth to be kept, got %+v", hands[0].Landmarks[0])
	}
	if hands[0].Handedness != "Right" {
		t.Errorf("expected handedness Right, got %s", hands[0].Handedness)
	}
}

func TestHandAdapter_MalformedGeometry(t *testing.T) {
	rt, client, device := newTestEnv(t)
	rt.respond("hand", `{"hands":[
		{"landmarks":[[0.1]],"handedness":"Left"},
		{"landmarks":[],"handedness":"Left"},
		{"landmarks":[[0.2,0.3],[0.4,0.7]],"handedness":"Left"}
	]}`)

	hand := NewHandAdapter("", client, device, testLogger())
	hand.Initialize(context.Background(), accel.CPU())

	hands, err := hand.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("malformed geometry should not fail Detect: %v", err)
	}
	if len(hands) != 1 {
		t.Fatalf("expected 1 usable hand, got %d", len(hands))
	}
	if hands[0].HasDepth {
		t.Error("two-coordinate hand should not report depth")
	}
	box := hands[0].BoundingBox
	if math.Abs(box.X-0.2) > 1e-9 || math.Abs(box.Width-0.2) > 1e-9 || math.Abs(box.Height-0.4) > 1e-9 {
		t.Errorf("unexpected bounding box: %+v", box)
	}
}

func TestHandAdapter_RuntimeFailure(t *testing.T) {
	rt, client, device := newTestEnv(t)
	rt.setStatus(http.StatusInternalServerError)

	hand := NewHandAdapter("", client, device, testLogger())
	hand.Initialize(context.Background(), accel.CPU())

	_, err := hand.Detect(context.Background(), testFrame())
	var detErr *DetectionError
	if !errors.As(err, &detErr) {
		t.Fatalf("expected *DetectionError, got %v", err)
	}

	stats := hand.Stats()
	if stats.Calls != 1 || stats.Failures != 1 {
		t.Errorf("expected 1 call and 1 failure, got %+v", stats)
	}
	if stats.LastError == "" {
		t.Error("expected last error to be recorded")
	}
	if stats.Inflight != 0 {
		t.Errorf("expected no in-flight calls, got %d", stats.Inflight)
	}

	rt.setStatus(0)
	rt.respond("hand", `{"hands":[]}`)

	hands, err := hand.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("adapter should stay usable after a failure: %v", err)
	}
	if len(hands) != 0 {
		t.Errorf("expected no hands, got %d", len(hands))
	}
}

func TestPoseAdapter_Detect(t *testing.T) {
	rt, client, device := newTestEnv(t)

	landmarks := make([]map[string]float64, PoseLandmarkCount)
	for i := range landmarks {
		landmarks[i] = map[string]float64{"x": float64(i) / 100, "y": 0.5, "z": 0, "visibility": 0.8}
	}
	landmarks[11]["x"], landmarks[11]["y"] = 0.4, 0.4
	landmarks[12]["x"], landmarks[12]["y"] = 0.6, 0.6
	body, _ := json.Marshal(map[string]any{"pose": map[string]any{"landmarks": landmarks}})
	rt.respond("pose", string(body))

	pose := NewPoseAdapter("", client, device, testLogger())
	pose.Initialize(context.Background(), accel.CPU())

	p, err := pose.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if p == nil {
		t.Fatal("expected a pose")
	}
	if len(p.Landmarks) != PoseLandmarkCount {
		t.Errorf("expected %d landmarks, got %d", PoseLandmarkCount, len(p.Landmarks))
	}
	if len(p.KeyPoints) != 13 {
		t.Errorf("expected 13 key points, got %d", len(p.KeyPoints))
	}
	if p.KeyPoints["leftWrist"].X != 0.15 {
		t.Errorf("expected leftWrist from index 15, got %+v", p.KeyPoints["leftWrist"])
	}
	if p.HeadPosition == nil || p.HeadPosition.X != 0 {
		t.Errorf("expected head at nose, got %+v", p.HeadPosition)
	}
	if p.BodyCenter == nil || math.Abs(p.BodyCenter.X-0.5) > 1e-9 || math.Abs(p.BodyCenter.Y-0.5) > 1e-9 {
		t.Errorf("expected body center at shoulder midpoint, got %+v", p.BodyCenter)
	}
	if math.Abs(p.Confidence-0.8) > 1e-9 {
		t.Errorf("expected confidence from visibility, got %v", p.Confidence)
	}
}

func TestPoseAdapter_NoBody(t *testing.T) {
	rt, client, device := newTestEnv(t)
	rt.respond("pose", `{"pose":null}`)

	pose := NewPoseAdapter("", client, device, testLogger())
	pose.Initialize(context.Background(), accel.CPU())

	p, err := pose.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("no body should not be an error: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil pose, got %+v", p)
	}
}

func TestPoseAdapter_PartialLandmarks(t *testing.T) {
	rt, client, device := newTestEnv(t)
	rt.respond("pose", `{"pose":{"landmarks":[{"x":0.5,"y":0.2,"z":0}],"score":0.66}}`)

	pose := NewPoseAdapter("", client, device, testLogger())
	pose.Initialize(context.Background(), accel.CPU())

	p, err := pose.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if p == nil || p.HeadPosition == nil {
		t.Fatal("expected pose with head position")
	}
	if p.BodyCenter != nil {
		t.Error("body center needs both shoulders")
	}
	if p.Confidence != 0.66 {
		t.Errorf("expected runtime score, got %v", p.Confidence)
	}
}

func TestObjectAdapter_Detect(t *testing.T) {
	rt, client, device := newTestEnv(t)
	rt.respond("object", `{"detections":[
		{"box":[10,20,110,220],"confidence":0.91,"class_id":0,"class":"person"},
		{"box":[50,60,30,40],"confidence":0.7,"class_id":56,"class":"chair"},
		{"box":[1,2,3,4],"confidence":0.2,"class_id":1,"class":"bicycle"},
		{"box":[1,2,3],"confidence":0.95,"class_id":2,"class":"car"},
		{"box":[0,0,5,5],"confidence":0.8,"class_id":39}
	]}`)

	obj := NewObjectAdapter("yolov8n", client, device, testLogger())
	obj.Initialize(context.Background(), accel.CPU())

	objects, err := obj.Detect(context.Background(), testFrame(), 0.5)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(objects) != 3 {
		t.Fatalf("expected 3 objects, got %d: %+v", len(objects), objects)
	}

	person := objects[0]
	if person.Class != "person" || person.ClassID != 0 {
		t.Errorf("unexpected class: %+v", person)
	}
	if person.BoundingBox != (vision.BoundingBox{X: 10, Y: 20, Width: 100, Height: 200}) {
		t.Errorf("unexpected box: %+v", person.BoundingBox)
	}

	chair := objects[1]
	if chair.BoundingBox != (vision.BoundingBox{X: 30, Y: 40, Width: 20, Height: 20}) {
		t.Errorf("expected swapped corners to be normalized, got %+v", chair.BoundingBox)
	}

	if objects[2].Class != "39" {
		t.Errorf("expected class id as fallback name, got %q", objects[2].Class)
	}

	for _, o := range objects {
		if o.Confidence < 0.5 {
			t.Errorf("object below threshold returned: %+v", o)
		}
	}

	if rt.optionsFor("object")["threshold"] != 0.5 {
		t.Errorf("expected threshold forwarded to runtime, got %v", rt.optionsFor("object"))
	}
}

func TestObjectAdapter_InvalidThreshold(t *testing.T) {
	rt, client, device := newTestEnv(t)
	rt.respond("object", `{"detections":[]}`)

	obj := NewObjectAdapter("", client, device, testLogger())
	obj.Initialize(context.Background(), accel.CPU())

	if _, err := obj.Detect(context.Background(), testFrame(), 7); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if rt.optionsFor("object")["threshold"] != DefaultObjectThreshold {
		t.Errorf("expected default threshold, got %v", rt.optionsFor("object")["threshold"])
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	rt, client, device := newTestEnv(t)
	pose := NewPoseAdapter("", client, device, testLogger())

	if err := pose.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown before Initialize failed: %v", err)
	}

	pose.Initialize(context.Background(), accel.CPU())
	for i := 0; i < 3; i++ {
		if err := pose.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}

	if rt.unloadCount("pose") != 1 {
		t.Errorf("expected 1 unload, got %d", rt.unloadCount("pose"))
	}
	if pose.Available() {
		t.Error("adapter should be unavailable after Shutdown")
	}
}

func TestDetect_DeviceBusy(t *testing.T) {
	_, client, _ := newTestEnv(t)
	device := accel.New(accel.StaticProber{}, accel.Config{MaxInflight: 1}, testLogger())
	hand := NewHandAdapter("", client, device, testLogger())
	hand.Initialize(context.Background(), accel.CPU())

	release, err := device.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = hand.Detect(ctx, testFrame())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if hand.Stats().Failures != 1 {
		t.Errorf("expected failure to be recorded, got %+v", hand.Stats())
	}
}

func TestStats_Hung(t *testing.T) {
	tr := newTracker()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	done := tr.begin()

	s := tr.snapshot()
	if s.Inflight != 1 || s.OldestInflight == nil {
		t.Fatalf("expected one in-flight call, got %+v", s)
	}
	if s.Hung(base.Add(time.Second), 5*time.Second) {
		t.Error("call should not be hung yet")
	}
	if !s.Hung(base.Add(10*time.Second), 5*time.Second) {
		t.Error("call should be hung")
	}
	if s.Hung(base.Add(10*time.Second), 0) {
		t.Error("zero threshold disables hung detection")
	}

	tr.now = func() time.Time { return base.Add(2 * time.Second) }
	done(nil)

	s = tr.snapshot()
	if s.Inflight != 0 || s.OldestInflight != nil {
		t.Errorf("expected no in-flight calls, got %+v", s)
	}
	if s.LastLatency != 2*time.Second {
		t.Errorf("expected latency 2s, got %v", s.LastLatency)
	}
}

func TestSet(t *testing.T) {
	_, client, device := newTestEnv(t)

	set := NewSet(Config{Enabled: []Kind{KindHand, KindPose}}, client, device, testLogger())
	if set.Hand == nil || set.Pose == nil {
		t.Fatal("expected hand and pose adapters")
	}
	if set.Object != nil {
		t.Error("object adapter should be disabled")
	}
	if len(set.Adapters()) != 2 {
		t.Errorf("expected 2 adapters, got %d", len(set.Adapters()))
	}
	if _, ok := set.Get(KindObject); ok {
		t.Error("disabled kind should not be found")
	}
	if a, ok := set.Get(KindPose); !ok || a.Kind() != KindPose {
		t.Error("expected pose adapter")
	}

	full := NewSet(Config{}, client, device, testLogger())
	kinds := full.Adapters()
	if len(kinds) != 3 || kinds[0].Kind() != KindHand || kinds[1].Kind() != KindObject || kinds[2].Kind() != KindPose {
		t.Errorf("unexpected adapter order: %v", kinds)
	}
}
