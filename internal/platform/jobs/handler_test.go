package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func multipartRequest(t *testing.T, field, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte(content))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func newTestHandler(maxUpload int64) (*Handler, *MemoryStore, *MemoryQueue) {
	store := NewMemoryStore(0)
	queue := NewMemoryQueue(4)
	return NewHandler(NewService(queue, store, nil, zerolog.Nop()), maxUpload), store, queue
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestUpload_Accepted(t *testing.T) {
	h, store, queue := newTestHandler(1024)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(multipartRequest(t, UploadField, "records.ndjson", `{"resourceType":"Patient","id":"P1"}`), rec)

	if err := h.Upload(c); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TaskID == "" || resp.Message != "File uploaded. Processing started." {
		t.Errorf("unexpected response %+v", resp)
	}
	if st, err := store.Get(context.Background(), resp.TaskID); err != nil || st.State != StatePending {
		t.Errorf("expected PENDING state, got %+v (%v)", st, err)
	}
	if queue.Len() != 1 {
		t.Errorf("expected one queued task, got %d", queue.Len())
	}
}

func TestUpload_Rejections(t *testing.T) {
	h, _, queue := newTestHandler(16)
	e := echo.New()

	cases := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"wrong suffix", multipartRequest(t, UploadField, "notes.txt", "hello"), http.StatusBadRequest},
		{"missing field", multipartRequest(t, "other", "a.json", "{}"), http.StatusBadRequest},
		{"too large", multipartRequest(t, UploadField, "a.json", strings.Repeat("x", 17)), http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.Upload(e.NewContext(tc.req, httptest.NewRecorder()))
			if got := httpCode(t, err); got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}
	if queue.Len() != 0 {
		t.Errorf("expected nothing queued, got %d", queue.Len())
	}
}

func TestUpload_UppercaseSuffixAccepted(t *testing.T) {
	h, _, _ := newTestHandler(0)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(multipartRequest(t, UploadField, "BATCH.ZIP", "PK"), rec)
	if err := h.Upload(c); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestGetStatus(t *testing.T) {
	h, store, _ := newTestHandler(0)
	e := echo.New()
	store.Put(context.Background(), SuccessStatus("t1", sampleReport(), time.Now()))

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/status/t1", nil), rec)
	c.SetParamNames("task_id")
	c.SetParamValues("t1")
	if err := h.GetStatus(c); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["state"] != "SUCCESS" || body["status"] != "Complete" || body["current"] != float64(100) {
		t.Errorf("unexpected body %v", body)
	}
	if _, ok := body["result"]; !ok {
		t.Error("expected result in SUCCESS body")
	}
	if _, ok := body["error"]; ok {
		t.Error("expected no error field in SUCCESS body")
	}
}

func TestGetStatus_UnknownTask(t *testing.T) {
	h, _, _ := newTestHandler(0)
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/status/nope", nil), httptest.NewRecorder())
	c.SetParamNames("task_id")
	c.SetParamValues("nope")

	if got := httpCode(t, h.GetStatus(c)); got != http.StatusNotFound {
		t.Errorf("expected 404, got %d", got)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, _ := newTestHandler(0)
	e := echo.New()
	h.RegisterRoutes(e.Group(""))

	want := map[string]bool{"POST /upload": false, "GET /status/:task_id": false}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("expected route %s", route)
		}
	}
}
