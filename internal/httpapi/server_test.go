package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/karunalabs/companion/internal/chat"
	"github.com/karunalabs/companion/internal/gateway"
	"github.com/karunalabs/companion/internal/monitor"
	"github.com/karunalabs/companion/internal/stream"
)

type stubCompleter struct {
	text string
}

func (s *stubCompleter) Complete(_ context.Context, _ gateway.Request) gateway.Response {
	return gateway.Response{Text: s.text}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	engine, err := chat.NewEngine(chat.Options{
		Gateway:  &stubCompleter{text: "hello back"},
		Streamer: stream.New(64, time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	s, err := New(Options{
		Engine:  engine,
		Monitor: monitor.NewService(nil),
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func postJSON(t *testing.T, url string, body string, out any) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp
}

func TestSessionEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	var list struct {
		Sessions []chat.SessionSummary `json:"sessions"`
		Current  string                `json:"current"`
	}
	getJSON(t, ts.URL+"/api/sessions", &list)
	if len(list.Sessions) != 1 || list.Current == "" {
		t.Fatalf("sessions = %+v", list)
	}
	first := list.Current

	var created struct {
		ID string `json:"id"`
	}
	postJSON(t, ts.URL+"/api/sessions", "{}", &created)
	if created.ID == "" || created.ID == first {
		t.Fatalf("created = %+v", created)
	}

	resp := postJSON(t, ts.URL+"/api/sessions/switch", `{"id":"`+first+`"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("switch status = %d", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/api/sessions/switch", `{"id":"sess_missing"}`, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("switch to missing status = %d", resp.StatusCode)
	}

	var deleted struct {
		Current string `json:"current"`
	}
	postJSON(t, ts.URL+"/api/sessions/delete", `{"id":"`+created.ID+`"}`, &deleted)
	if deleted.Current != first {
		t.Fatalf("current after delete = %q, want %q", deleted.Current, first)
	}
}

func TestSendAndConversationPoll(t *testing.T) {
	_, ts := newTestServer(t)

	var sent struct {
		Accepted bool   `json:"accepted"`
		Phase    string `json:"phase"`
	}
	postJSON(t, ts.URL+"/api/send", `{"text":"hi there"}`, &sent)
	if !sent.Accepted {
		t.Fatal("send not accepted")
	}

	deadline := time.Now().Add(2 * time.Second)
	var conv struct {
		Phase    string         `json:"phase"`
		Messages []chat.Message `json:"messages"`
		Title    string         `json:"title"`
	}
	for {
		getJSON(t, ts.URL+"/api/conversation", &conv)
		if conv.Phase == "idle" && len(conv.Messages) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("send never settled: phase=%q messages=%d", conv.Phase, len(conv.Messages))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if conv.Messages[1].Text != "hello back" {
		t.Fatalf("reply = %q", conv.Messages[1].Text)
	}
	if conv.Title == chat.DefaultTitle {
		t.Error("title not derived from first turn")
	}

	// Empty send is a no-op, not an error.
	postJSON(t, ts.URL+"/api/send", `{"text":"   "}`, &sent)
	if sent.Accepted {
		t.Error("blank send accepted")
	}

	var bm struct {
		Toggled bool `json:"toggled"`
	}
	postJSON(t, ts.URL+"/api/bookmark", `{"message_id":"`+conv.Messages[1].ID+`"}`, &bm)
	if !bm.Toggled {
		t.Error("bookmark toggle failed")
	}
}

func TestAttachmentUpload(t *testing.T) {
	_, ts := newTestServer(t)

	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 190, G: 140, B: 110, A: 255})
		}
	}
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatal(err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("note", "left arm"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("photos", "arm.png")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(pngBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	_ = mw.Close()

	resp, err := http.Post(ts.URL+"/api/attachments", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var uploaded struct {
		Ingested int               `json:"ingested"`
		Pending  []chat.Attachment `json:"pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		t.Fatal(err)
	}
	if uploaded.Ingested != 1 || len(uploaded.Pending) != 1 {
		t.Fatalf("uploaded = %+v", uploaded)
	}
	if uploaded.Pending[0].Note != "left arm" {
		t.Errorf("note = %q", uploaded.Pending[0].Note)
	}

	id := uploaded.Pending[0].ID
	resp2 := postJSON(t, ts.URL+"/api/attachments/remove", `{"id":"`+id+`"}`, nil)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d", resp2.StatusCode)
	}
	resp2 = postJSON(t, ts.URL+"/api/attachments/remove", `{"id":"`+id+`"}`, nil)
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("double remove status = %d", resp2.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var status struct {
		Version string            `json:"version"`
		Device  *monitor.Snapshot `json:"device"`
	}
	getJSON(t, ts.URL+"/api/status", &status)
	if status.Version != "test" {
		t.Errorf("version = %q", status.Version)
	}
	if status.Device == nil || status.Device.Platform == "" {
		t.Errorf("device = %+v", status.Device)
	}
}

func TestNewRejectsNonLoopback(t *testing.T) {
	engine, err := chat.NewEngine(chat.Options{
		Gateway:  &stubCompleter{text: "x"},
		Streamer: stream.New(64, time.Millisecond),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(Options{Engine: engine, Addr: "0.0.0.0:7865"}); err == nil {
		t.Error("non-loopback addr accepted")
	}
	if _, err := New(Options{Engine: engine, Addr: "not-an-addr"}); err == nil {
		t.Error("malformed addr accepted")
	}
	if _, err := New(Options{}); err == nil {
		t.Error("missing engine accepted")
	}
}
