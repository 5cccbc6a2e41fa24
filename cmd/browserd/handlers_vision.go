package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"strings"

	_ "image/jpeg"

	"github.com/cverna/browserd/boxrender"
	"github.com/cverna/browserd/fault"
	"github.com/cverna/browserd/vision"
)

// decodeScreenshot accepts raw base64 or a data URL and returns the image
// bytes.
func decodeScreenshot(s string) ([]byte, error) {
	if s == "" {
		return nil, fault.New(fault.BadArguments, "missing field %q", "screenshot").
			WithDetail("argument", "screenshot")
	}
	if i := strings.Index(s, ","); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fault.New(fault.BadArguments, "screenshot is not valid base64: %v", err).
			WithDetail("argument", "screenshot")
	}
	return raw, nil
}

func (s *server) handleDetectBoxes(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Screenshot string `json:"screenshot"`
		APIKey     string `json:"api_key"`
		Prompt     string `json:"prompt"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.BadArguments, "invalid JSON body: %v", err))
		return
	}
	img, err := decodeScreenshot(req.Screenshot)
	if err != nil {
		writeFault(w, err)
		return
	}
	if req.APIKey == "" {
		writeFault(w, fault.New(fault.VisionAuth, "missing field %q", "api_key").
			WithDetail("argument", "api_key"))
		return
	}

	det, err := s.vision.Detect(r.Context(), img, req.APIKey, req.Prompt)
	if err != nil {
		s.mx.VisionCall(string(fault.KindOf(err)))
		writeFault(w, err)
		return
	}
	s.mx.VisionCall("success")

	coords := make([][4]int, 0, len(det.Boxes))
	for _, b := range det.Boxes {
		coords = append(coords, [4]int{b.YMin, b.XMin, b.YMax, b.XMax})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"raw_response": det.RawText,
		"coordinates":  coords,
		"count":        len(coords),
	})
}

func (s *server) handleVisualize(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Screenshot    string  `json:"screenshot"`
		BoundingBoxes [][]int `json:"bounding_boxes"`
		Mode          string  `json:"mode"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.BadArguments, "invalid JSON body: %v", err))
		return
	}
	mode, err := boxrender.ParseMode(req.Mode)
	if err != nil {
		writeFault(w, err)
		return
	}
	raw, err := decodeScreenshot(req.Screenshot)
	if err != nil {
		writeFault(w, err)
		return
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		writeFault(w, fault.New(fault.BadArguments, "screenshot is not a decodable image: %v", err).
			WithDetail("argument", "screenshot"))
		return
	}

	width, height := src.Bounds().Dx(), src.Bounds().Dy()
	boxes := make([]boxrender.Box, 0, len(req.BoundingBoxes))
	for i, bb := range req.BoundingBoxes {
		if len(bb) != 4 {
			writeFault(w, fault.New(fault.BadArguments, "bounding_boxes[%d] must have 4 elements, got %d", i, len(bb)).
				WithDetail("argument", "bounding_boxes"))
			return
		}
		px := vision.Box{YMin: bb[0], XMin: bb[1], YMax: bb[2], XMax: bb[3]}.ToPixels(width, height)
		boxes = append(boxes, boxrender.Box{X1: px.X1, Y1: px.Y1, X2: px.X2, Y2: px.Y2})
	}

	out, err := boxrender.Render(src, boxes, mode)
	if err != nil {
		writeFault(w, err)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		writeFault(w, fault.From(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"visualized_image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		"mode":             string(mode),
	})
}
