package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfexport/internal/config"
	"pdfexport/internal/render"
	"pdfexport/internal/source"
)

// stubRenderer records the last render call and returns canned output.
type stubRenderer struct {
	lastDoc source.Document
	lastCfg render.PrintConfiguration
	out     []byte
	err     error
}

func (s *stubRenderer) Render(_ context.Context, doc source.Document, cfg render.PrintConfiguration) ([]byte, error) {
	s.lastDoc = doc
	s.lastCfg = cfg
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

func testConvertCfg(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.PDF.ScratchDir = t.TempDir()
	return cfg
}

func newTestService(t *testing.T, cfg config.Config, stub *stubRenderer) (*fiber.App, *stubRenderer) {
	t.Helper()
	if stub == nil {
		stub = &stubRenderer{out: []byte("%PDF-1.7 fake")}
	}
	svc := &ConvertService{Config: &cfg, Renderer: stub}
	app := fiber.New()
	app.Post("/convert", svc.HandleConvert)
	app.Get("/presets", svc.HandlePresets)
	return app, stub
}

// multipartRequest builds a POST /convert request with an uploaded file and
// extra form fields.
func multipartRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/convert", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func assertScratchEmpty(t *testing.T, cfg config.Config) {
	t.Helper()
	entries, err := os.ReadDir(cfg.PDF.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch storage must be clean after the conversion returns")
}

func TestHandleConvert_MissingInput(t *testing.T) {
	cfg := testConvertCfg(t)
	app, _ := newTestService(t, cfg, nil)

	resp, err := app.Test(multipartRequest(t, "", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleConvert_SingleHTMLDefaults(t *testing.T) {
	cfg := testConvertCfg(t)
	app, stub := newTestService(t, cfg, nil)

	req := multipartRequest(t, "page.html",
		[]byte(`<html><body><a href="https://example.com">Go</a></body></html>`),
		map[string]string{"base_url": "  https://example.com/docs/  "})
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "filename=page.pdf")

	body, _ := io.ReadAll(resp.Body)
	assert.True(t, bytes.HasPrefix(body, []byte("%PDF")))

	// Defaults flowed into the print configuration.
	assert.Equal(t, "A4", stub.lastCfg.Geometry.Preset())
	assert.Equal(t, render.UniformMargins("15mm"), stub.lastCfg.Margins)
	assert.True(t, stub.lastCfg.PrintBackground)
	assert.True(t, stub.lastCfg.PreferCSSPageSize)
	assert.False(t, stub.lastCfg.Landscape)
	assert.Equal(t, 1.0, stub.lastCfg.Scale)
	assert.False(t, stub.lastCfg.DisplayHeaderFooter())

	// The optional base URL is trimmed before use.
	assert.Equal(t, "https://example.com/docs/", stub.lastDoc.BaseURL)
	assertScratchEmpty(t, cfg)
}

func TestHandleConvert_PresetWinsOverCustomDimensions(t *testing.T) {
	cfg := testConvertCfg(t)
	app, stub := newTestService(t, cfg, nil)

	req := multipartRequest(t, "page.html", []byte("<html>x</html>"), map[string]string{
		"paper": "Letter", "width": "5in", "height": "5in",
	})
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	assert.True(t, stub.lastCfg.Geometry.IsPreset())
	assert.Equal(t, "Letter", stub.lastCfg.Geometry.Preset())
}

func TestHandleConvert_CustomGeometry(t *testing.T) {
	cfg := testConvertCfg(t)
	app, stub := newTestService(t, cfg, nil)

	req := multipartRequest(t, "page.html", []byte("<html>x</html>"), map[string]string{
		"paper": "custom", "width": "210mm", "height": "297mm",
	})
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.False(t, stub.lastCfg.Geometry.IsPreset())
}

func TestHandleConvert_ParamValidation(t *testing.T) {
	cfg := testConvertCfg(t)
	app, _ := newTestService(t, cfg, nil)

	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"unknown paper", map[string]string{"paper": "B0"}},
		{"scale out of range", map[string]string{"scale": "4.2"}},
		{"scale not a number", map[string]string{"scale": "big"}},
		{"timeout below floor", map[string]string{"timeout_ms": "500"}},
		{"timeout not a number", map[string]string{"timeout_ms": "soon"}},
		{"bad margin", map[string]string{"margin_top": "wat"}},
		{"bad bool", map[string]string{"landscape": "sideways"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := multipartRequest(t, "page.html", []byte("<html>x</html>"), tc.fields)
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHandleConvert_ZipWithIndexHTML(t *testing.T) {
	cfg := testConvertCfg(t)
	app, stub := newTestService(t, cfg, nil)

	data := zipBytes(t, map[string]string{
		"index.html": `<html><head><link rel="stylesheet" href="style.css"></head><body>bundle</body></html>`,
		"style.css":  "body { color: red }",
	})
	resp, err := app.Test(multipartRequest(t, "site.zip", data, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	assert.Contains(t, resp.Header.Get("Content-Disposition"), "filename=site.pdf")
	assert.Contains(t, stub.lastDoc.HTML, "bundle")
	assert.True(t, strings.HasPrefix(stub.lastDoc.BaseURL, "file://"))
	assert.True(t, strings.HasSuffix(stub.lastDoc.BaseURL, "/"))
	assertScratchEmpty(t, cfg)
}

func TestHandleConvert_ZipWithoutEntryPoint(t *testing.T) {
	cfg := testConvertCfg(t)
	app, _ := newTestService(t, cfg, nil)

	data := zipBytes(t, map[string]string{"style.css": "body{}"})
	resp, err := app.Test(multipartRequest(t, "assets.zip", data, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	assertScratchEmpty(t, cfg)
}

func TestHandleConvert_LoadTimeoutMapsTo408(t *testing.T) {
	cfg := testConvertCfg(t)
	stub := &stubRenderer{err: fmt.Errorf("%w after 1s", render.ErrContentLoadTimeout)}
	app, _ := newTestService(t, cfg, stub)

	resp, err := app.Test(multipartRequest(t, "slow.html", []byte("<html>x</html>"), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestTimeout, resp.StatusCode)
	assertScratchEmpty(t, cfg)
}

func TestHandleConvert_RenderFaultMapsTo500WithDiagnostic(t *testing.T) {
	cfg := testConvertCfg(t)
	stub := &stubRenderer{err: fmt.Errorf("%w: chrome exploded", render.ErrRenderFailure)}
	app, _ := newTestService(t, cfg, stub)

	resp, err := app.Test(multipartRequest(t, "page.html", []byte("<html>x</html>"), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "chrome exploded")
}

func TestHandleConvert_SizeLimits(t *testing.T) {
	cfg := testConvertCfg(t)
	cfg.Limits.MaxUploadBytes = 8
	app, _ := newTestService(t, cfg, nil)

	resp, err := app.Test(multipartRequest(t, "big.html", []byte("<html>too large</html>"), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)

	cfg = testConvertCfg(t)
	cfg.Limits.MaxPDFBytes = 4
	app, _ = newTestService(t, cfg, &stubRenderer{out: []byte("%PDF-1.7 way too big")})
	resp, err = app.Test(multipartRequest(t, "page.html", []byte("<html>x</html>"), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHandleConvert_InlinePreview(t *testing.T) {
	cfg := testConvertCfg(t)
	app, _ := newTestService(t, cfg, nil)

	req := multipartRequest(t, "page.html", []byte("<html>x</html>"), map[string]string{"inline": "1"})
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Filename string `json:"filename"`
		DataURI  string `json:"data_uri"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "page.pdf", body.Filename)
	assert.True(t, strings.HasPrefix(body.DataURI, "data:application/pdf;base64,"))
}

func TestHandleConvert_HeaderFooterTemplatesForwarded(t *testing.T) {
	cfg := testConvertCfg(t)
	app, stub := newTestService(t, cfg, nil)

	req := multipartRequest(t, "page.html", []byte("<html>x</html>"), map[string]string{
		"footer_template": `<span class="pageNumber"></span>`,
	})
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, stub.lastCfg.DisplayHeaderFooter())
	assert.Empty(t, strings.TrimSpace(stub.lastCfg.HeaderTemplate))
}

func TestHandlePresets(t *testing.T) {
	cfg := testConvertCfg(t)
	app, _ := newTestService(t, cfg, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/presets", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"A4", "Letter", "Legal", "Tabloid"} {
		assert.Contains(t, string(body), name)
	}
}

func TestOutputFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"page.html", "page.pdf"},
		{"My Report (final).htm", "My_Report_final.pdf"},
		{"bundle.zip", "bundle.pdf"},
		{".html", "export.pdf"},
		{"../sneaky.html", "sneaky.pdf"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, outputFilename(tc.in), tc.in)
	}
}
