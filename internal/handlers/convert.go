// Package handlers owns the HTTP conversion boundary: it validates uploads
// and print options, drives the resolver and renderer, and converts every
// failure into a user-facing response.
package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"pdfexport/internal/config"
	"pdfexport/internal/logging"
	"pdfexport/internal/render"
	"pdfexport/internal/source"
)

// Renderer turns a resolved document and a print configuration into PDF
// bytes. Satisfied by render.ChromeRenderer; stubbed in tests.
type Renderer interface {
	Render(ctx context.Context, doc source.Document, cfg render.PrintConfiguration) ([]byte, error)
}

// ConvertService bundles configuration and the renderer for conversion
// requests. Each request gets its own browser; the service itself holds no
// per-request state.
type ConvertService struct {
	Config   *config.Config
	Renderer Renderer
}

// NewConvertService creates a ConvertService backed by headless Chrome.
func NewConvertService(cfg config.Config) *ConvertService {
	return &ConvertService{
		Config: &cfg,
		Renderer: &render.ChromeRenderer{
			ChromePath: cfg.PDF.ChromePath,
			NoSandbox:  cfg.PDF.ChromeNoSandbox,
			ScratchDir: cfg.PDF.ScratchDir,
		},
	}
}

var filenameSafeRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// outputFilename derives the download name from the uploaded artifact's name.
func outputFilename(uploadName string) string {
	stem := strings.TrimSuffix(filepath.Base(uploadName), filepath.Ext(uploadName))
	stem = filenameSafeRe.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "._")
	if stem == "" {
		stem = "export"
	}
	return stem + ".pdf"
}

// HandlePresets lists the supported paper presets with dimensions in inches.
func (svc *ConvertService) HandlePresets(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"presets": render.PresetNames()})
}

// HandleConvert accepts a multipart upload (single HTML file or ZIP bundle)
// plus print options and responds with the rendered PDF.
func (svc *ConvertService) HandleConvert(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil || fh == nil {
		return fiber.NewError(fiber.StatusBadRequest, "No input provided: upload an HTML file or a ZIP")
	}
	if fh.Size > int64(svc.Config.Limits.MaxUploadBytes) {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("Upload exceeds %d bytes", svc.Config.Limits.MaxUploadBytes))
	}

	printCfg, err := extractPrintConfiguration(c, *svc.Config)
	if err != nil {
		return err
	}

	data, err := readUpload(fh)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Could not read uploaded file: "+err.Error())
	}

	var doc source.Document
	if strings.EqualFold(filepath.Ext(fh.Filename), ".zip") {
		var cleanup func()
		doc, cleanup, err = svc.resolveArchive(data)
		// Scratch files must outlive the render, since the page loads sibling
		// assets from the extraction directory via the file:// base URL.
		defer cleanup()
		if err != nil {
			return err
		}
	} else {
		doc = source.FromFile(data, c.FormValue("base_url"))
	}

	pdfBuf, err := svc.Renderer.Render(c.Context(), doc, printCfg)
	if err != nil {
		return renderError(err)
	}
	if len(pdfBuf) > svc.Config.Limits.MaxPDFBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "PDF exceeds allowed size")
	}

	filename := outputFilename(fh.Filename)
	requestID := c.Get("X-Request-ID")
	logging.Info("PDF generated", "filename", filename, "bytes", len(pdfBuf), "request_id", requestID)

	if inline, _ := strconv.ParseBool(c.FormValue("inline", "false")); inline {
		return c.JSON(fiber.Map{
			"filename": filename,
			"data_uri": "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(pdfBuf),
		})
	}

	c.Set("Content-Type", "application/pdf")
	c.Set("Content-Disposition", "attachment; filename="+filename)
	return c.Send(pdfBuf)
}

// resolveArchive writes the uploaded ZIP to scratch storage and resolves its
// entry point. The returned cleanup removes the archive copy and the
// extraction directory; it is never nil and is safe to call on every path.
// Removal failures are logged, never escalated.
func (svc *ConvertService) resolveArchive(data []byte) (source.Document, func(), error) {
	noop := func() {}

	tmpZip, err := os.CreateTemp(svc.Config.PDF.ScratchDir, "pdfexport-*.zip")
	if err != nil {
		return source.Document{}, noop, fiber.NewError(fiber.StatusInternalServerError, "Could not stage archive: "+err.Error())
	}
	removeZip := func() {
		if err := os.Remove(tmpZip.Name()); err != nil {
			logging.Warn("Scratch archive cleanup failed", "path", tmpZip.Name(), "error", err)
		}
	}

	if _, err := tmpZip.Write(data); err != nil {
		tmpZip.Close()
		return source.Document{}, removeZip, fiber.NewError(fiber.StatusInternalServerError, "Could not stage archive: "+err.Error())
	}
	if err := tmpZip.Close(); err != nil {
		return source.Document{}, removeZip, fiber.NewError(fiber.StatusInternalServerError, "Could not stage archive: "+err.Error())
	}

	doc, extractDir, err := source.FromArchive(tmpZip.Name(), svc.Config.PDF.ScratchDir)
	cleanup := func() {
		removeZip()
		if extractDir == "" {
			return
		}
		if err := os.RemoveAll(extractDir); err != nil {
			logging.Warn("Scratch extraction cleanup failed", "dir", extractDir, "error", err)
		}
	}
	if err != nil {
		if errors.Is(err, source.ErrNoEntryPoint) {
			return source.Document{}, cleanup, fiber.NewError(fiber.StatusUnprocessableEntity,
				"No HTML file found inside the ZIP (looked for index.html or any .html)")
		}
		return source.Document{}, cleanup, fiber.NewError(fiber.StatusBadRequest, "Could not unpack ZIP archive: "+err.Error())
	}
	return doc, cleanup, nil
}

func renderError(err error) error {
	switch {
	case errors.Is(err, render.ErrContentLoadTimeout):
		logging.Error("Content load timed out", "error", err.Error())
		return fiber.NewError(fiber.StatusRequestTimeout,
			"Timed out while loading content. Increase the timeout or check network/asset paths.")
	case errors.Is(err, render.ErrInvalidScale),
		errors.Is(err, render.ErrInvalidTimeout),
		errors.Is(err, render.ErrInvalidDimension),
		errors.Is(err, render.ErrUnknownPaperPreset):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		logging.Error("PDF generation failed", "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "PDF generation failed: "+err.Error())
	}
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// extractPrintConfiguration validates and parses print options from the
// request form, applying configured defaults for absent fields.
func extractPrintConfiguration(c *fiber.Ctx, cfg config.Config) (render.PrintConfiguration, error) {
	var out render.PrintConfiguration

	paper := strings.TrimSpace(c.FormValue("paper", cfg.PDF.DefaultPaper))
	if strings.EqualFold(paper, "custom") {
		out.Geometry = render.CustomGeometry(c.FormValue("width"), c.FormValue("height"))
	} else {
		g, err := render.PresetGeometry(paper)
		if err != nil {
			return out, fiber.NewError(fiber.StatusBadRequest, "Invalid paper: not a supported preset")
		}
		// Preset wins: width/height form fields are ignored unless paper=custom.
		out.Geometry = g
	}

	def := cfg.PDF.DefaultMargin
	out.Margins = render.Margins{
		Top:    c.FormValue("margin_top", def),
		Right:  c.FormValue("margin_right", def),
		Bottom: c.FormValue("margin_bottom", def),
		Left:   c.FormValue("margin_left", def),
	}

	var err error
	if out.Landscape, err = formBool(c, "landscape", false); err != nil {
		return out, err
	}
	if out.PrintBackground, err = formBool(c, "print_background", true); err != nil {
		return out, err
	}
	if out.PreferCSSPageSize, err = formBool(c, "prefer_css_page_size", true); err != nil {
		return out, err
	}

	out.Scale = 1.0
	if s := c.FormValue("scale"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return out, fiber.NewError(fiber.StatusBadRequest, "Invalid scale: must be a float between 0.1 and 2.0")
		}
		out.Scale = v
	}

	timeoutMS := cfg.PDF.DefaultTimeoutMS
	if s := c.FormValue("timeout_ms"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return out, fiber.NewError(fiber.StatusBadRequest, "Invalid timeout_ms: must be an integer")
		}
		timeoutMS = v
	}
	out.LoadTimeout = time.Duration(timeoutMS) * time.Millisecond

	out.HeaderTemplate = c.FormValue("header_template")
	out.FooterTemplate = c.FormValue("footer_template")

	if err := out.Validate(); err != nil {
		return out, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return out, nil
}

func formBool(c *fiber.Ctx, key string, def bool) (bool, error) {
	s := c.FormValue(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def, fiber.NewError(fiber.StatusBadRequest, "Invalid "+key+": must be a boolean")
	}
	return v, nil
}
