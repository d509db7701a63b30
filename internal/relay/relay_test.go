package relay

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func multipartBody(t *testing.T, files map[string][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".bin")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func serve(t *testing.T, h *Handler, body *bytes.Buffer, contentType string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(http.MethodPost, Path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, out
}

func TestUpload_Success(t *testing.T) {
	t.Parallel()

	var got []Upload
	h := New(WithObserver(func(u Upload) { got = append(got, u) }))
	body, ct := multipartBody(t,
		map[string][]byte{"audio": []byte("OggS...."), "image": {0xff, 0xd8}},
		map[string]string{"timestamp": "2024-03-05T13:07:09.123Z"},
	)

	rec, out := serve(t, h, body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["success"] != true || out["message"] != "Files received successfully" {
		t.Errorf("body = %v", out)
	}
	if len(got) != 1 {
		t.Fatalf("observed uploads = %d", len(got))
	}
	if got[0].AudioSize != 8 || got[0].ImageSize != 2 || got[0].Timestamp != "2024-03-05T13:07:09.123Z" {
		t.Errorf("upload = %+v", got[0])
	}
}

func TestUpload_MissingFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files map[string][]byte
	}{
		{"no image", map[string][]byte{"audio": []byte("a")}},
		{"no audio", map[string][]byte{"image": []byte("i")}},
		{"nothing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body, ct := multipartBody(t, tt.files, map[string]string{"timestamp": "x"})
			rec, out := serve(t, New(), body, ct)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if out["error"] != "Missing audio or image file" {
				t.Errorf("body = %v", out)
			}
		})
	}
}

func TestUpload_Unparsable(t *testing.T) {
	t.Parallel()

	rec, out := serve(t, New(), bytes.NewBufferString(`{"audio":"x"}`), "application/json")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if out["error"] != "Failed to process media upload" {
		t.Errorf("body = %v", out)
	}
}

func TestUpload_TooLarge(t *testing.T) {
	t.Parallel()

	body, ct := multipartBody(t,
		map[string][]byte{"audio": bytes.Repeat([]byte("a"), 4096), "image": []byte("i")}, nil)
	rec, _ := serve(t, New(WithMaxBody(1024)), body, ct)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestUpload_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New().Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, strings.NewReader("")))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
