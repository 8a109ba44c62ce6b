package llm

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/doorwatch/doorwatch/internal/detection"
	"github.com/doorwatch/doorwatch/internal/snapshot"
)

func testFrame(t *testing.T) *detection.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), A: 255})
		}
	}
	data, err := detection.EncodeJPEG(img, 85)
	if err != nil {
		t.Fatalf("encode test frame: %v", err)
	}
	frame, err := detection.DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode test frame: %v", err)
	}
	return frame
}

// fakeLLM serves chat completions whose message content is the given JSON
// string, counting requests.
func fakeLLM(t *testing.T, status int, content string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testAdjudicator(t *testing.T, baseURL string, cd *Cooldowns) (*Adjudicator, string) {
	t.Helper()
	dir := t.TempDir()
	if cd == nil {
		cd = NewCooldowns(10*time.Second, 10*time.Second)
	}
	adj := NewAdjudicator(AdjudicatorConfig{
		Client:    NewClient(ClientConfig{BaseURL: baseURL}),
		Cooldowns: cd,
		Snapshots: snapshot.NewWriter(dir),
		Auto:      true,
		APIKey:    func() string { return "test-key" },
	})
	return adj, dir
}

func knifeRequest(frame *detection.Frame) Request {
	track := 5
	box := detection.Detection{
		Box:        detection.Box{X1: 10, Y1: 10, X2: 40, Y2: 40},
		Confidence: 0.80,
		Label:      "knife",
		TrackID:    &track,
		Category:   detection.CategoryThreat,
	}
	return Request{
		StreamID: "A",
		Frame:    frame,
		All:      []detection.Detection{box},
		UI:       []detection.Detection{box},
	}
}

func TestReviewFalsePositive(t *testing.T) {
	srv, calls := fakeLLM(t, http.StatusOK, `{"false_positive": true, "reason": "toy knife", "confidence": 0.9}`)
	adj, dir := testAdjudicator(t, srv.URL, nil)

	res := adj.Review(context.Background(), knifeRequest(testFrame(t)))

	if !res.Triggered {
		t.Fatal("Triggered = false, want true")
	}
	if res.FalsePositive == nil || !*res.FalsePositive {
		t.Fatalf("FalsePositive = %v, want true", res.FalsePositive)
	}
	if res.Reason != "toy knife" {
		t.Errorf("Reason = %q, want toy knife", res.Reason)
	}
	if res.Confidence == nil || *res.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", res.Confidence)
	}
	if calls.Load() != 1 {
		t.Errorf("LLM calls = %d, want 1", calls.Load())
	}

	// Both snapshots on disk, crop named after the sanitized label.
	fulls, _ := filepath.Glob(filepath.Join(dir, "full", "*_A_full_frame.jpg"))
	crops, _ := filepath.Glob(filepath.Join(dir, "threats", "*_A_knife_crop.jpg"))
	if len(fulls) != 1 || len(crops) != 1 {
		t.Errorf("snapshots full=%d crops=%d, want 1/1", len(fulls), len(crops))
	}
}

func TestStreamCooldownBlocksSecondCall(t *testing.T) {
	srv, calls := fakeLLM(t, http.StatusOK, `{"false_positive": false, "reason": "real knife"}`)
	adj, _ := testAdjudicator(t, srv.URL, nil)
	frame := testFrame(t)

	first := adj.Review(context.Background(), knifeRequest(frame))
	if !first.Triggered {
		t.Fatal("first review not triggered")
	}

	second := adj.Review(context.Background(), knifeRequest(frame))

	if second.Triggered {
		t.Error("second review triggered inside cooldown window")
	}
	if calls.Load() != 1 {
		t.Errorf("LLM calls = %d, want exactly 1", calls.Load())
	}
	if matched, _ := regexp.MatchString(`^cooldown active: \d+s remaining$`, second.Err); !matched {
		t.Errorf("Err = %q, want cooldown message", second.Err)
	}
	if !strings.HasPrefix(second.Reason, "Cooldown: detected knife (0.80)") {
		t.Errorf("Reason = %q, want summary of detections", second.Reason)
	}
}

func TestPerTrackCooldownCheckedFirst(t *testing.T) {
	srv, calls := fakeLLM(t, http.StatusOK, `{"false_positive": false, "reason": "real"}`)

	now := time.Unix(5000, 0)
	cd := NewCooldowns(1*time.Second, 10*time.Second)
	cd.now = func() time.Time { return now }
	adj, _ := testAdjudicator(t, srv.URL, cd)
	frame := testFrame(t)

	adj.Review(context.Background(), knifeRequest(frame))

	// Stream window expired, per-track window still active.
	now = now.Add(2 * time.Second)
	res := adj.Review(context.Background(), knifeRequest(frame))

	if res.Triggered {
		t.Error("review triggered inside per-track cooldown")
	}
	if res.Err != "per-track cooldown active: 8s remaining" {
		t.Errorf("Err = %q, want per-track cooldown message", res.Err)
	}
	if !strings.HasPrefix(res.Reason, "Cooldown (track): detected ") {
		t.Errorf("Reason = %q, want track cooldown summary", res.Reason)
	}
	if calls.Load() != 1 {
		t.Errorf("LLM calls = %d, want 1", calls.Load())
	}
}

func TestCooldownStampedOnFailure(t *testing.T) {
	srv, calls := fakeLLM(t, http.StatusInternalServerError, "")
	adj, _ := testAdjudicator(t, srv.URL, nil)
	frame := testFrame(t)

	first := adj.Review(context.Background(), knifeRequest(frame))
	if !first.Triggered {
		t.Fatal("first review not triggered")
	}
	if first.Err != "HTTP 500" {
		t.Errorf("Err = %q, want HTTP 500", first.Err)
	}
	if first.FalsePositive != nil {
		t.Errorf("FalsePositive = %v, want nil on HTTP error", first.FalsePositive)
	}

	// A failed call still burns the window.
	second := adj.Review(context.Background(), knifeRequest(frame))
	if second.Triggered {
		t.Error("second review triggered after failed first call")
	}
	if calls.Load() != 1 {
		t.Errorf("LLM calls = %d, want 1", calls.Load())
	}
}

func TestReviewNonJSONContent(t *testing.T) {
	srv, _ := fakeLLM(t, http.StatusOK, "I think it is a real knife")
	adj, _ := testAdjudicator(t, srv.URL, nil)

	res := adj.Review(context.Background(), knifeRequest(testFrame(t)))

	if res.Err != "LLM returned non-JSON content" {
		t.Errorf("Err = %q", res.Err)
	}
	if res.FalsePositive != nil {
		t.Errorf("FalsePositive = %v, want nil", res.FalsePositive)
	}
}

func TestReviewRequiresAPIKey(t *testing.T) {
	srv, calls := fakeLLM(t, http.StatusOK, `{"false_positive": true, "reason": "x"}`)
	adj, _ := testAdjudicator(t, srv.URL, nil)
	adj.apiKey = func() string { return "" }

	res := adj.Review(context.Background(), knifeRequest(testFrame(t)))

	if res.Triggered || calls.Load() != 0 {
		t.Errorf("review ran without API key: triggered=%v calls=%d", res.Triggered, calls.Load())
	}
}

func TestReviewOptInWhenAutoDisabled(t *testing.T) {
	srv, calls := fakeLLM(t, http.StatusOK, `{"false_positive": false, "reason": "x"}`)
	adj, _ := testAdjudicator(t, srv.URL, nil)
	adj.auto = false
	frame := testFrame(t)

	req := knifeRequest(frame)
	if res := adj.Review(context.Background(), req); res.Triggered {
		t.Error("review triggered without opt-in while auto is off")
	}

	enabled := true
	req.Enabled = &enabled
	if res := adj.Review(context.Background(), req); !res.Triggered {
		t.Error("review not triggered with explicit opt-in")
	}
	if calls.Load() != 1 {
		t.Errorf("LLM calls = %d, want 1", calls.Load())
	}
}

func TestReviewNoFlaggedBoxes(t *testing.T) {
	srv, calls := fakeLLM(t, http.StatusOK, `{"false_positive": false, "reason": "x"}`)
	adj, _ := testAdjudicator(t, srv.URL, nil)

	res := adj.Review(context.Background(), Request{StreamID: "A", Frame: testFrame(t)})

	if res.Triggered || res.Err != "" || calls.Load() != 0 {
		t.Errorf("empty review = %+v with %d calls, want zero result", res, calls.Load())
	}
}

func TestCandidateSelection(t *testing.T) {
	track3, track4 := 3, 4
	small := detection.Detection{Box: detection.Box{X2: 10, Y2: 10}, TrackID: &track3, Label: "a"}
	large := detection.Detection{Box: detection.Box{X2: 100, Y2: 100}, TrackID: &track4, Label: "b"}
	huge := detection.Detection{Box: detection.Box{X2: 500, Y2: 500}, Label: "c"} // no track id

	tests := []struct {
		name  string
		boxes []detection.Detection
		want  string
	}{
		{"prefers track id over area", []detection.Detection{huge, small, large}, "b"},
		{"largest without any track", []detection.Detection{{Box: detection.Box{X2: 5, Y2: 5}, Label: "d"}, huge}, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := candidate(tt.boxes)
			if got == nil || got.Label != tt.want {
				t.Errorf("candidate = %+v, want label %s", got, tt.want)
			}
		})
	}
	if candidate(nil) != nil {
		t.Error("candidate(nil) != nil")
	}
}

func TestSummarizeTopThree(t *testing.T) {
	boxes := []detection.Detection{
		{Label: "knife", Confidence: 0.4},
		{Label: "gun", Confidence: 0.9},
		{Label: "backpack", Confidence: 0.6},
		{Label: "bat", Confidence: 0.5},
	}

	got := summarize(boxes, nil)
	want := "gun (0.90), backpack (0.60), bat (0.50)"
	if got != want {
		t.Errorf("summarize = %q, want %q", got, want)
	}
}

func TestResolveAPIKeyFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY_FALLBACK", "fallback-key")
	if got := ResolveAPIKey(); got != "fallback-key" {
		t.Errorf("ResolveAPIKey = %q, want fallback-key", got)
	}

	t.Setenv("OPENAI_API_KEY", "primary-key")
	if got := ResolveAPIKey(); got != "primary-key" {
		t.Errorf("ResolveAPIKey = %q, want primary-key", got)
	}
}

func TestSnapshotFailureDoesNotBlockCall(t *testing.T) {
	srv, calls := fakeLLM(t, http.StatusOK, `{"false_positive": false, "reason": "real"}`)

	// Point the writer at a file path so MkdirAll fails.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	adj := NewAdjudicator(AdjudicatorConfig{
		Client:    NewClient(ClientConfig{BaseURL: srv.URL}),
		Cooldowns: NewCooldowns(10*time.Second, 10*time.Second),
		Snapshots: snapshot.NewWriter(blocker),
		Auto:      true,
		APIKey:    func() string { return "test-key" },
	})

	res := adj.Review(context.Background(), knifeRequest(testFrame(t)))
	if !res.Triggered || calls.Load() != 1 {
		t.Errorf("triggered=%v calls=%d, want true/1 despite snapshot failure", res.Triggered, calls.Load())
	}
	if res.FalsePositive == nil {
		t.Error("verdict missing after snapshot failure")
	}
}
