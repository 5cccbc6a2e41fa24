// Package vision forwards screenshots to an external multimodal model and
// extracts bounding-box coordinate arrays from its free-text answer.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cverna/browserd/fault"
)

// DefaultEndpoint is the generateContent URL of the default model.
const DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent"

// DefaultPrompt asks for the coordinate convention the extractor expects.
const DefaultPrompt = "Return bounding boxes as JSON arrays [ymin, xmin, ymax, xmax]"

// Box is one detection in the model's normalized 0..1000 space.
type Box struct {
	YMin int `json:"ymin"`
	XMin int `json:"xmin"`
	YMax int `json:"ymax"`
	XMax int `json:"xmax"`
}

// PixelBox is a box converted into image coordinates.
type PixelBox struct {
	X1, Y1, X2, Y2 int
}

// ToPixels maps a normalized box onto a width x height image. The mapping
// truncates: pixel = floor(normalized * size / 1000).
func (b Box) ToPixels(width, height int) PixelBox {
	return PixelBox{
		X1: b.XMin * width / 1000,
		Y1: b.YMin * height / 1000,
		X2: b.XMax * width / 1000,
		Y2: b.YMax * height / 1000,
	}
}

// Detection is the adapter's result: the raw model text plus every
// coordinate array found in it.
type Detection struct {
	RawText string
	Boxes   []Box
}

// Client talks to the model endpoint.
type Client struct {
	endpoint   string
	http       *http.Client
	log        *slog.Logger
	retryDelay time.Duration
}

// New builds a client. An empty endpoint selects the default model.
func New(endpoint string, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   endpoint,
		http:       &http.Client{Timeout: 60 * time.Second},
		log:        logger,
		retryDelay: time.Second,
	}
}

// request/response shapes of the generateContent API, reduced to the fields
// the adapter touches.

type genRequest struct {
	Contents []genContent `json:"contents"`
}

type genContent struct {
	Parts []genPart `json:"parts"`
}

type genPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *genInlineData `json:"inline_data,omitempty"`
}

type genInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type genResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

var boxRE = regexp.MustCompile(`\[\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*\]`)

// Detect sends the PNG image to the model and extracts coordinate arrays.
// A 503 or an "overloaded" answer is retried once before surfacing as
// VisionOverloaded.
func (c *Client) Detect(ctx context.Context, image []byte, apiKey, prompt string) (Detection, error) {
	if prompt == "" {
		prompt = DefaultPrompt
	}

	var det Detection
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		det, err = c.once(ctx, image, apiKey, prompt)
		if !fault.Is(err, fault.VisionOverloaded) {
			break
		}
		c.log.Warn("vision model overloaded, retrying once")
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return Detection{}, fault.New(fault.VisionOverloaded, "model overloaded and retry canceled")
		}
	}
	return det, err
}

func (c *Client) once(ctx context.Context, image []byte, apiKey, prompt string) (Detection, error) {
	payload := genRequest{Contents: []genContent{{Parts: []genPart{
		{Text: prompt},
		{InlineData: &genInlineData{
			MIMEType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(image),
		}},
	}}}}
	body, err := json.Marshal(payload)
	if err != nil {
		return Detection{}, fmt.Errorf("marshal vision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Detection{}, fmt.Errorf("build vision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Detection{}, fault.New(fault.VisionOverloaded, "model unreachable: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Detection{}, fmt.Errorf("read vision response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusTooManyRequests:
		return Detection{}, fault.New(fault.VisionOverloaded, "model returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return Detection{}, fault.New(fault.VisionAuth, "model rejected credentials (%d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Detection{}, fault.New(fault.BackendError, "model returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed genResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Detection{}, fault.New(fault.VisionMalformed, "model answer is not JSON: %v", err)
	}

	var text strings.Builder
	for _, cand := range parsed.Candidates {
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
	}
	answer := text.String()

	if strings.Contains(strings.ToLower(answer), "overloaded") ||
		strings.Contains(strings.ToLower(parsed.Error.Message), "overloaded") {
		return Detection{}, fault.New(fault.VisionOverloaded, "model reports overload")
	}

	boxes := extractBoxes(answer)
	if len(boxes) == 0 {
		return Detection{}, fault.New(fault.VisionMalformed, "no coordinate arrays in model answer").
			WithDetail("raw_length", len(answer))
	}
	return Detection{RawText: answer, Boxes: boxes}, nil
}

// extractBoxes pulls every [ymin, xmin, ymax, xmax] array out of free text.
func extractBoxes(text string) []Box {
	matches := boxRE.FindAllStringSubmatch(text, -1)
	boxes := make([]Box, 0, len(matches))
	for _, m := range matches {
		ymin, _ := strconv.Atoi(m[1])
		xmin, _ := strconv.Atoi(m[2])
		ymax, _ := strconv.Atoi(m[3])
		xmax, _ := strconv.Atoi(m[4])
		boxes = append(boxes, Box{YMin: ymin, XMin: xmin, YMax: ymax, XMax: xmax})
	}
	return boxes
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
