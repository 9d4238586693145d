package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/reelcut/reelcut/internal/ffmpeg"
	"github.com/reelcut/reelcut/internal/jobs"
	"github.com/reelcut/reelcut/internal/segment"
)

type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	UptimeS int64                `json:"uptime_s"`
	Engine  *ffmpeg.Capabilities `json:"engine,omitempty"`
}

type MergeIntroRequest struct {
	IntroVideo string `json:"introVideo"`
	VideoURL   string `json:"videoUrl"`
	OutputName string `json:"outputName,omitempty"`
}

type MergeOutroRequest struct {
	OutroVideo string `json:"outroVideo"`
	VideoURL   string `json:"videoUrl"`
	OutputName string `json:"outputName,omitempty"`
}

type TrimRequest struct {
	URL        string          `json:"url"`
	Segments   json.RawMessage `json:"segments"`
	OutputName string          `json:"outputName,omitempty"`
}

// VideoResponse is returned by every reconstruction route.
type VideoResponse struct {
	VideoURL string `json:"videoUrl"`
	JobID    string `json:"jobId,omitempty"`
}

type JobsResponse struct {
	Jobs   []*jobs.Job    `json:"jobs"`
	Counts map[string]int `json:"counts,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// segmentBody is one removal. Both the {start,end} and {startTime,endTime}
// spellings are accepted; a missing or null bound is open.
type segmentBody struct {
	Start     *seconds `json:"start"`
	End       *seconds `json:"end"`
	StartTime *seconds `json:"startTime"`
	EndTime   *seconds `json:"endTime"`
}

// seconds accepts a JSON number or a numeric string.
type seconds float64

func (s *seconds) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		str = strings.TrimSpace(str)
		if str == "" {
			return errors.New("empty time value")
		}
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return fmt.Errorf("time %q is not a number", str)
		}
		*s = seconds(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("time %s is not a number", b)
	}
	*s = seconds(f)
	return nil
}

func pick(a, b *seconds) *float64 {
	if a == nil {
		a = b
	}
	if a == nil {
		return nil
	}
	f := float64(*a)
	return &f
}

// parseSegments decodes the segments field of a trim request. Anything other
// than a JSON array is rejected.
func parseSegments(raw json.RawMessage) ([]segment.Cut, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, errors.New("segments must be an array")
	}
	var items []segmentBody
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("invalid segments: %w", err)
	}
	cuts := make([]segment.Cut, len(items))
	for i, it := range items {
		cuts[i] = segment.Cut{
			Start: pick(it.Start, it.StartTime),
			End:   pick(it.End, it.EndTime),
		}
	}
	return cuts, nil
}
